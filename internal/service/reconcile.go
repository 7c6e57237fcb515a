package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/alfa-voucher/internal/bank"
	"github.com/mmeshcher/alfa-voucher/internal/model"
	"github.com/mmeshcher/alfa-voucher/internal/repository"
	"github.com/mmeshcher/alfa-voucher/internal/validation"
	"github.com/mmeshcher/alfa-voucher/internal/voucher"
)

// ErrMissingOrderRef возвращается, если в запросе нет ни orderId, ни orderNumber.
var ErrMissingOrderRef = &validation.Error{Message: "не передан номер заказа"}

const (
	msgPaid           = "Оплата прошла успешно. Абонемент готов."
	msgVoucherDelayed = "Оплата подтверждена. Абонемент будет доступен позже, мы отправим его на e-mail."
	msgNotPaid        = "Оплата не подтверждена банком."
	msgUnavailable    = "Не удалось проверить оплату. Обновите страницу через несколько минут."
	msgMisconfigured  = "Сервис временно недоступен. Попробуйте позже."
	msgInconsistent   = "Оплата получена, но заказ %s не найден. Обратитесь в поддержку, указав номер заказа."
)

// ReturnRequest содержит параметры, с которыми банк вернул покупателя.
type ReturnRequest struct {
	OrderID     string
	OrderNumber string
	Back        string
}

type fulfilment struct {
	voucherURL string
	delayed    bool
}

// Reconcile запрашивает у банка фактический статус оплаты и при подтверждённой
// оплате выпускает абонемент не более одного раза на заказ.
// Ошибка возвращается только при отсутствии обоих идентификаторов или сбое хранилища.
func (s *Service) Reconcile(ctx context.Context, req ReturnRequest) (*model.ReconcileResult, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.OrderNumber = strings.TrimSpace(req.OrderNumber)
	if req.OrderID == "" && req.OrderNumber == "" {
		return nil, ErrMissingOrderRef
	}

	order, err := s.lookupOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &model.ReconcileResult{
		State:    model.StateVerifying,
		OrderRef: orderRef(order, req),
		BackURL:  s.returnBackURL(order, req.Back),
	}
	log := s.logger.With(zap.String("orderRef", res.OrderRef))

	ref := bank.OrderRef{OrderID: req.OrderID, OrderNumber: req.OrderNumber}
	if order != nil {
		ref = bank.OrderRef{OrderID: order.OrderID, OrderNumber: order.OrderNumber}
	}

	status, err := s.gateway.Status(ctx, ref)
	if err != nil {
		s.gatewayFailure(res, err, log)
		return res, nil
	}
	if !status.Paid {
		log.Info("payment not confirmed", zap.Int("orderStatus", status.OrderStatus))
		res.State = model.StatePaymentRejected
		res.Message = msgNotPaid
		return res, nil
	}

	if order == nil {
		log.Error("payment confirmed for unknown order",
			zap.String("orderId", req.OrderID), zap.String("orderNumber", req.OrderNumber))
		res.State = model.StateInconsistent
		res.Message = fmt.Sprintf(msgInconsistent, res.OrderRef)
		return res, nil
	}

	v, err, _ := s.inflight.Do(order.OrderID, func() (any, error) {
		return s.fulfil(context.WithoutCancel(ctx), order)
	})
	if err != nil {
		return nil, err
	}
	f := v.(*fulfilment)

	res.Confirmed = true
	res.State = model.StateFulfilled
	res.VoucherURL = f.voucherURL
	res.Message = msgPaid
	if f.delayed {
		res.Message = msgVoucherDelayed
	}
	return res, nil
}

// fulfil возвращает ссылку на уже выпущенный абонемент или выпускает новый.
func (s *Service) fulfil(ctx context.Context, o *model.Order) (*fulfilment, error) {
	existing, err := s.repo.GetVoucherByOrder(ctx, o.OrderID)
	switch {
	case err == nil:
		return s.existing(ctx, o, existing), nil
	case !errors.Is(err, repository.ErrVoucherNotFound):
		return nil, fmt.Errorf("get voucher by order: %w", err)
	}

	issued, err := s.issuer.Issue(ctx, o)
	if errors.Is(err, repository.ErrVoucherExists) {
		existing, err = s.repo.GetVoucherByOrder(ctx, o.OrderID)
		if err != nil {
			return nil, fmt.Errorf("get voucher by order: %w", err)
		}
		return s.existing(ctx, o, existing), nil
	}

	var issueErr *voucher.IssueError
	if errors.As(err, &issueErr) {
		s.logger.Error("voucher delayed", zap.String("orderId", o.OrderID), zap.Error(err))
		f := &fulfilment{delayed: true}
		if issued != nil && issued.ArtifactReady {
			f.voucherURL = issued.AccessURL
		}
		return f, nil
	}
	if err != nil {
		return nil, err
	}

	return &fulfilment{voucherURL: issued.AccessURL}, nil
}

// existing возвращает ссылку на выпущенный абонемент. Пропавший PDF формируется заново один раз.
func (s *Service) existing(ctx context.Context, o *model.Order, v *model.Voucher) *fulfilment {
	if s.issuer.ArtifactReady(v.DocID) {
		return &fulfilment{voucherURL: s.issuer.AccessURL(v)}
	}
	if _, err := s.issuer.Rerender(ctx, o, v); err != nil {
		s.logger.Error("voucher artifact still missing", zap.String("orderId", o.OrderID), zap.Error(err))
		return &fulfilment{delayed: true}
	}
	return &fulfilment{voucherURL: s.issuer.AccessURL(v)}
}

func (s *Service) lookupOrder(ctx context.Context, req ReturnRequest) (*model.Order, error) {
	var (
		o   *model.Order
		err error
	)
	if req.OrderID != "" {
		o, err = s.repo.GetOrderByID(ctx, req.OrderID)
	} else {
		o, err = s.repo.GetOrderByNumber(ctx, req.OrderNumber)
	}
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, repository.ErrOrderNotFound) {
		return nil, fmt.Errorf("lookup order: %w", err)
	}

	if req.OrderID != "" && req.OrderNumber != "" {
		o, err = s.repo.GetOrderByNumber(ctx, req.OrderNumber)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("lookup order: %w", err)
		}
	}
	return nil, nil
}

func (s *Service) gatewayFailure(res *model.ReconcileResult, err error, log *zap.Logger) {
	if errors.Is(err, bank.ErrNotConfigured) {
		log.Error("bank credentials are not configured")
		res.State = model.StateGatewayUnavailable
		res.Message = msgMisconfigured
		return
	}

	var gwErr *bank.GatewayError
	if errors.As(err, &gwErr) && gwErr.Kind == bank.KindRejected {
		log.Info("bank rejected status query", zap.Error(err))
		res.State = model.StatePaymentRejected
		res.Message = msgNotPaid
		if gwErr.Message != "" {
			res.Message = msgNotPaid + " " + gwErr.Message
		}
		return
	}

	log.Warn("bank unavailable", zap.Error(err))
	res.State = model.StateGatewayUnavailable
	res.Message = msgUnavailable
}

// returnBackURL выбирает адрес возврата: из заказа, затем из запроса, затем адрес по умолчанию.
func (s *Service) returnBackURL(o *model.Order, back string) string {
	if o != nil && SafeBackURL(o.BackURL) {
		return o.BackURL
	}
	if s.opts.HonorBackURL && SafeBackURL(back) {
		return back
	}
	return s.opts.DefaultBackURL
}

func orderRef(o *model.Order, req ReturnRequest) string {
	switch {
	case o != nil:
		return o.OrderNumber
	case req.OrderNumber != "":
		return req.OrderNumber
	default:
		return req.OrderID
	}
}
