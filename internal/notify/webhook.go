package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mmeshcher/alfa-voucher/internal/model"
)

// ErrWebhookNotConfigured возвращается, если адрес уведомлений не задан.
var ErrWebhookNotConfigured = errors.New("sale webhook is not configured")

const webhookTimeout = 15 * time.Second

// WebhookConfig задаёт адрес и учётные данные системы учёта продаж.
type WebhookConfig struct {
	URL       string
	ClubID    string
	UserToken string
	APIKey    string
	BasicUser string
	BasicPass string
}

// SaleGood описывает позицию продажи.
type SaleGood struct {
	ID       string `json:"id"`
	Quantity int    `json:"qnt"`
	Sum      int64  `json:"summ"`
}

// Sale описывает проданный абонемент.
type Sale struct {
	Goods    []SaleGood `json:"goods"`
	Cashless int        `json:"cashless"`
	DocID    string     `json:"docId"`
	Date     string     `json:"date"`
}

// SalePayload описывает тело уведомления о продаже.
type SalePayload struct {
	ClubID string `json:"club_id"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
	Sale   Sale   `json:"sale"`
}

// Webhook отправляет уведомления о продажах.
type Webhook struct {
	cfg        WebhookConfig
	httpClient *http.Client
}

// NewWebhook создаёт клиент уведомлений.
func NewWebhook(cfg WebhookConfig) *Webhook {
	return &Webhook{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: cleanhttp.DefaultPooledTransport(),
			Timeout:   webhookTimeout,
		},
	}
}

// Configured сообщает, задан ли адрес уведомлений.
func (w *Webhook) Configured() bool {
	return w.cfg.URL != ""
}

// BuildPayload формирует тело уведомления.
func (w *Webhook) BuildPayload(o *model.Order, v *model.Voucher) SalePayload {
	return SalePayload{
		ClubID: w.cfg.ClubID,
		Phone:  v.Phone,
		Email:  v.Email,
		Sale: Sale{
			Goods:    []SaleGood{{ID: o.ServiceID, Quantity: 1, Sum: o.Price}},
			Cashless: 1,
			DocID:    v.DocID,
			Date:     v.CreatedAt.Format(time.RFC3339),
		},
	}
}

// NotifySale отправляет уведомление. Ответ вне диапазона 2xx считается ошибкой.
func (w *Webhook) NotifySale(ctx context.Context, o *model.Order, v *model.Voucher) error {
	if !w.Configured() {
		return ErrWebhookNotConfigured
	}

	body, err := json.Marshal(w.BuildPayload(o, v))
	if err != nil {
		return fmt.Errorf("marshal sale: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create sale request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.UserToken != "" {
		req.Header.Set("usertoken", w.cfg.UserToken)
	}
	if w.cfg.APIKey != "" {
		req.Header.Set("apikey", w.cfg.APIKey)
	}
	if w.cfg.BasicUser != "" {
		req.SetBasicAuth(w.cfg.BasicUser, w.cfg.BasicPass)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send sale: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sale webhook status %d: %s", resp.StatusCode, snippet)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
