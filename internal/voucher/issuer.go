// Package voucher выпускает абонементы после подтверждённой оплаты и выдаёт их по подписанной ссылке.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/alfa-voucher/internal/model"
	"github.com/mmeshcher/alfa-voucher/internal/repository"
	"github.com/mmeshcher/alfa-voucher/internal/token"
)

// AccessPath задаёт путь, по которому отдаются абонементы.
const AccessPath = "/voucher"

// Store описывает хранилище метаданных абонементов.
type Store interface {
	SaveVoucher(ctx context.Context, v *model.Voucher) error
	GetVoucher(ctx context.Context, docID string) (*model.Voucher, error)
	GetVoucherByOrder(ctx context.Context, orderID string) (*model.Voucher, error)
}

// Renderer формирует PDF абонемента.
type Renderer interface {
	Render(doc Document) ([]byte, error)
}

// Mailer отправляет абонемент покупателю.
type Mailer interface {
	SendVoucher(ctx context.Context, o *model.Order, v *model.Voucher, accessURL string, pdf []byte) error
}

// Notifier сообщает о продаже во внешнюю систему.
type Notifier interface {
	NotifySale(ctx context.Context, o *model.Order, v *model.Voucher) error
}

// IssueError описывает сбой выпуска абонемента. Оплата при этом считается подтверждённой.
// MetadataSaved показывает, что заказ уже помечен исполненным и повторный выпуск не нужен.
type IssueError struct {
	DocID         string
	MetadataSaved bool
	Err           error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issue voucher %s: %v", e.DocID, e.Err)
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

// IssueResult описывает выпущенный абонемент.
type IssueResult struct {
	Voucher       *model.Voucher
	AccessURL     string
	ArtifactReady bool
	EmailSent     bool
	Notified      bool
}

// Issuer выпускает абонементы.
type Issuer struct {
	store      Store
	artifacts  *FileStorage
	renderer   Renderer
	signer     *token.Signer
	mailer     Mailer
	notifier   Notifier
	publicBase string
	logger     *zap.Logger
	now        func() time.Time
}

// IssuerOption настраивает необязательные зависимости Issuer.
type IssuerOption func(*Issuer)

// WithMailer включает отправку абонемента по почте.
func WithMailer(m Mailer) IssuerOption {
	return func(i *Issuer) { i.mailer = m }
}

// WithNotifier включает уведомление внешней системы о продаже.
func WithNotifier(n Notifier) IssuerOption {
	return func(i *Issuer) { i.notifier = n }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer создаёт Issuer. publicBase — внешний адрес сервиса без завершающего слэша.
func NewIssuer(store Store, artifacts *FileStorage, renderer Renderer, signer *token.Signer,
	publicBase string, logger *zap.Logger, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		store:      store,
		artifacts:  artifacts,
		renderer:   renderer,
		signer:     signer,
		publicBase: strings.TrimRight(publicBase, "/"),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// AccessURL возвращает полный адрес скачивания абонемента с подписью.
func (i *Issuer) AccessURL(v *model.Voucher) string {
	q := url.Values{}
	q.Set("doc", v.DocID)
	q.Set("token", i.signer.Sign(v.DocID, v.Email))
	return i.publicBase + AccessPath + "?" + q.Encode()
}

// ArtifactReady сообщает, можно ли открыть PDF абонемента.
func (i *Issuer) ArtifactReady(docID string) bool {
	return i.artifacts.Exists(docID)
}

// Issue выпускает абонемент для оплаченного заказа: формирует PDF, сохраняет его
// и метаданные, затем отправляет письмо и уведомление. Сбой письма или уведомления
// не делает выпуск неуспешным.
//
// Если для заказа абонемент уже сохранён, возвращается repository.ErrVoucherExists,
// а сформированный файл удаляется.
func (i *Issuer) Issue(ctx context.Context, o *model.Order) (*IssueResult, error) {
	v := &model.Voucher{
		DocID:       uuid.NewString(),
		OrderID:     o.OrderID,
		OrderNumber: o.OrderNumber,
		Email:       o.CustomerEmail,
		Phone:       o.CustomerPhone,
		ServiceID:   o.ServiceID,
		ServiceName: o.ServiceName,
		Price:       o.Price,
		CreatedAt:   i.now().UTC(),
	}
	accessURL := i.AccessURL(v)
	log := i.logger.With(zap.String("orderId", o.OrderID), zap.String("docId", v.DocID))

	pdf, renderErr := i.renderArtifact(o, v, accessURL)

	if err := i.store.SaveVoucher(ctx, v); err != nil {
		if renderErr == nil {
			if rmErr := i.artifacts.Remove(v.DocID); rmErr != nil {
				log.Warn("remove orphan artifact", zap.Error(rmErr))
			}
		}
		if errors.Is(err, repository.ErrVoucherExists) {
			return nil, err
		}
		return nil, &IssueError{DocID: v.DocID, Err: fmt.Errorf("save metadata: %w", err)}
	}

	res := &IssueResult{Voucher: v, AccessURL: accessURL, ArtifactReady: renderErr == nil}

	if renderErr != nil {
		log.Error("voucher artifact not created", zap.Error(renderErr))
		res.Notified = i.notify(ctx, o, v, log)
		return res, &IssueError{DocID: v.DocID, MetadataSaved: true, Err: renderErr}
	}

	res.EmailSent = i.sendEmail(ctx, o, v, accessURL, pdf, log)
	res.Notified = i.notify(ctx, o, v, log)

	log.Info("voucher issued", zap.Bool("emailSent", res.EmailSent), zap.Bool("notified", res.Notified))
	return res, nil
}

// Rerender повторно формирует PDF для уже сохранённого абонемента с тем же docId.
// Письмо уходит, только если его ещё не отправляли: так покупатель получает абонемент,
// первый PDF которого не удалось сформировать. Уведомление о продаже не повторяется.
func (i *Issuer) Rerender(ctx context.Context, o *model.Order, v *model.Voucher) (emailSent bool, err error) {
	accessURL := i.AccessURL(v)
	log := i.logger.With(zap.String("orderId", o.OrderID), zap.String("docId", v.DocID))

	pdf, err := i.renderArtifact(o, v, accessURL)
	if err != nil {
		return false, &IssueError{DocID: v.DocID, MetadataSaved: true, Err: err}
	}

	emailSent = i.sendEmail(ctx, o, v, accessURL, pdf, log)
	log.Info("voucher artifact restored", zap.Bool("emailSent", emailSent))
	return emailSent, nil
}

func (i *Issuer) renderArtifact(o *model.Order, v *model.Voucher, accessURL string) ([]byte, error) {
	pdf, err := i.renderer.Render(Document{
		DocID:       v.DocID,
		ServiceName: o.ServiceName,
		Price:       o.Price,
		Visits:      o.Visits,
		Freezing:    o.FreezingDays,
		Phone:       o.CustomerPhone,
		Email:       o.CustomerEmail,
		VoucherURL:  accessURL,
		QRPayload:   accessURL,
		IssuedAt:    v.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	if len(pdf) == 0 {
		return nil, errors.New("renderer returned empty document")
	}
	if err := i.artifacts.Write(v.DocID, pdf); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	return pdf, nil
}

func (i *Issuer) sendEmail(ctx context.Context, o *model.Order, v *model.Voucher, accessURL string, pdf []byte, log *zap.Logger) bool {
	if i.mailer == nil {
		return false
	}
	claimed, err := i.artifacts.ClaimMail(v.DocID)
	if err != nil {
		log.Error("voucher email claim failed", zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}
	if err := i.mailer.SendVoucher(ctx, o, v, accessURL, pdf); err != nil {
		log.Error("voucher email failed", zap.Error(err))
		return false
	}
	return true
}

func (i *Issuer) notify(ctx context.Context, o *model.Order, v *model.Voucher, log *zap.Logger) bool {
	if i.notifier == nil {
		return false
	}
	if err := i.notifier.NotifySale(ctx, o, v); err != nil {
		log.Error("sale notification failed", zap.Error(err))
		return false
	}
	return true
}
