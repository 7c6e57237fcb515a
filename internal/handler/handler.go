// Package handler содержит HTTP-обработчики сервиса оплаты абонементов.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/mmeshcher/alfa-voucher/internal/bank"
	"github.com/mmeshcher/alfa-voucher/internal/middleware"
	"github.com/mmeshcher/alfa-voucher/internal/model"
	"github.com/mmeshcher/alfa-voucher/internal/service"
	"github.com/mmeshcher/alfa-voucher/internal/validation"
	"github.com/mmeshcher/alfa-voucher/internal/voucher"
)

// ResultStorageKey — ключ localStorage, под которым странице магазина передаётся результат оплаты.
const ResultStorageKey = "alfaPaymentResult"

const (
	msgBadJSON        = "Некорректный запрос."
	msgMisconfigured  = "Ошибка настройки сервера. Попробуйте позже."
	msgBankDown       = "Не удалось связаться с банком. Попробуйте позже."
	msgInternal       = "Внутренняя ошибка сервера. Попробуйте позже."
	msgRegistered     = "Заказ зарегистрирован."
	msgMissingRef     = "Не передан номер заказа."
	maxRegisterBodyKB = 64
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Register(ctx context.Context, req service.PurchaseRequest) (*service.Registration, error)
	Reconcile(ctx context.Context, req service.ReturnRequest) (*model.ReconcileResult, error)
	BankStatus(ctx context.Context, ref bank.OrderRef) ([]byte, int, error)
}

// VoucherOpener выдаёт PDF абонемента по подписанной ссылке.
type VoucherOpener interface {
	Open(ctx context.Context, docID, token string) (*voucher.Artifact, error)
}

// Handler реализует HTTP-обработчики сервиса.
type Handler struct {
	service        Service
	vouchers       VoucherOpener
	logger         *zap.Logger
	opsAuth        *middleware.BearerAuth
	defaultBackURL string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, vouchers VoucherOpener, logger *zap.Logger, opsAuth *middleware.BearerAuth, defaultBackURL string) *Handler {
	if defaultBackURL == "" {
		defaultBackURL = "/"
	}
	return &Handler{
		service:        s,
		vouchers:       vouchers,
		logger:         logger,
		opsAuth:        opsAuth,
		defaultBackURL: defaultBackURL,
	}
}

// flexString принимает в JSON как строку, так и число.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*f = ""
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		*f = flexString(data)
		return nil
	default:
		return errors.New("expected string or number")
	}
}

type registerRequest struct {
	ServiceID   flexString `json:"service_id"`
	ServiceName flexString `json:"service_name"`
	Price       flexString `json:"price"`
	Phone       flexString `json:"phone"`
	Email       flexString `json:"email"`
	Visits      flexString `json:"visits"`
	Freezing    flexString `json:"freezing"`
	BackURL     flexString `json:"back_url"`
}

type registerResponse struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message"`
	FormURL     string `json:"formUrl,omitempty"`
	OrderID     string `json:"orderId,omitempty"`
	OrderNumber string `json:"orderNumber,omitempty"`
}

// RegisterPayment регистрирует оплату абонемента и возвращает адрес платёжной формы.
func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := render.DecodeJSON(io.LimitReader(r.Body, maxRegisterBodyKB<<10), &req); err != nil {
		h.registerFailure(w, r, http.StatusBadRequest, msgBadJSON)
		return
	}

	reg, err := h.service.Register(r.Context(), service.PurchaseRequest{
		ServiceID:   string(req.ServiceID),
		ServiceName: string(req.ServiceName),
		Price:       string(req.Price),
		Phone:       string(req.Phone),
		Email:       string(req.Email),
		Visits:      string(req.Visits),
		Freezing:    string(req.Freezing),
		BackURL:     string(req.BackURL),
	})
	if err != nil {
		var (
			ve    *validation.Error
			gwErr *bank.GatewayError
		)
		switch {
		case errors.As(err, &ve):
			h.registerFailure(w, r, http.StatusBadRequest, ve.Error())
		case errors.Is(err, bank.ErrNotConfigured):
			h.logger.Error("payment registration impossible: bank credentials are not configured")
			h.registerFailure(w, r, http.StatusInternalServerError, msgMisconfigured)
		case errors.As(err, &gwErr):
			msg := msgBankDown
			if gwErr.Kind == bank.KindRejected && gwErr.Message != "" {
				msg = gwErr.Message
			}
			h.registerFailure(w, r, http.StatusBadRequest, msg)
		default:
			h.logger.Error("register payment error", zap.Error(err))
			h.registerFailure(w, r, http.StatusInternalServerError, msgInternal)
		}
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, registerResponse{
		OK:          true,
		Message:     msgRegistered,
		FormURL:     reg.FormURL,
		OrderID:     reg.OrderID,
		OrderNumber: reg.OrderNumber,
	})
}

func (h *Handler) registerFailure(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, registerResponse{OK: false, Message: msg})
}

var returnPage = template.Must(template.New("return").Parse(`<!doctype html>
<html lang="ru">
<head>
<meta charset="utf-8">
<title>Оплата</title>
</head>
<body>
<p>{{.Message}}</p>
<noscript><a href="{{.Back}}">Вернуться на сайт</a></noscript>
<script>
(function () {
  try { window.localStorage.setItem({{.Key}}, {{.Payload}}); } catch (e) {}
  window.location.replace({{.Back}});
})();
</script>
</body>
</html>
`))

type returnView struct {
	Key     string
	Payload string
	Message string
	Back    string
}

// PaymentReturn обрабатывает возврат покупателя из банка: сверяет оплату,
// сохраняет результат в localStorage и перенаправляет на страницу магазина.
func (h *Handler) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderID := q.Get("orderId")
	if orderID == "" {
		orderID = q.Get("mdOrder")
	}

	res, err := h.service.Reconcile(r.Context(), service.ReturnRequest{
		OrderID:     orderID,
		OrderNumber: q.Get("orderNumber"),
		Back:        q.Get("back"),
	})

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
		res = &model.ReconcileResult{Message: msgInternal, State: model.StatePending}
		if errors.Is(err, service.ErrMissingOrderRef) {
			status = http.StatusBadRequest
			res.Message = msgMissingRef
		} else {
			h.logger.Error("payment return error", zap.Error(err))
		}
	}
	if res.BackURL == "" {
		res.BackURL = h.defaultBackURL
	}

	payload, err := json.Marshal(res)
	if err != nil {
		h.logger.Error("marshal payment result", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var page bytes.Buffer
	if err := returnPage.Execute(&page, returnView{
		Key:     ResultStorageKey,
		Payload: string(payload),
		Message: res.Message,
		Back:    res.BackURL,
	}); err != nil {
		h.logger.Error("render return page", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(page.Bytes())
}

// Voucher отдаёт PDF абонемента по подписанной ссылке.
func (h *Handler) Voucher(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimSpace(r.URL.Query().Get("doc"))
	tok := strings.TrimSpace(r.URL.Query().Get("token"))
	if docID == "" || tok == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	a, err := h.vouchers.Open(r.Context(), docID, tok)
	if err != nil {
		switch {
		case errors.Is(err, voucher.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, voucher.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("open voucher error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}
	defer a.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Content-Disposition", `inline; filename="`+a.Name+`"`)
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, a); err != nil {
		h.logger.Warn("stream voucher interrupted", zap.String("docId", docID), zap.Error(err))
	}
}

type statusRequest struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
}

// PaymentStatus возвращает ответ банка о заказе без изменений. Маршрут служебный.
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if render.GetRequestContentType(r) == render.ContentTypeJSON {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			h.registerFailure(w, r, http.StatusBadRequest, msgBadJSON)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.registerFailure(w, r, http.StatusBadRequest, msgBadJSON)
			return
		}
		req.OrderID = r.Form.Get("orderId")
		req.OrderNumber = r.Form.Get("orderNumber")
	}

	ref := bank.OrderRef{OrderID: strings.TrimSpace(req.OrderID), OrderNumber: strings.TrimSpace(req.OrderNumber)}
	if ref.OrderID == "" && ref.OrderNumber == "" {
		h.registerFailure(w, r, http.StatusBadRequest, msgMissingRef)
		return
	}

	body, code, err := h.service.BankStatus(r.Context(), ref)
	if err != nil {
		if errors.Is(err, bank.ErrNotConfigured) {
			h.logger.Error("status query impossible: bank credentials are not configured")
			h.registerFailure(w, r, http.StatusInternalServerError, msgMisconfigured)
			return
		}
		h.logger.Warn("bank status query failed", zap.Error(err))
		h.registerFailure(w, r, http.StatusBadGateway, msgBankDown)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// Health сообщает, что сервис запущен.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}
