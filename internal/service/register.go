package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/alfa-voucher/internal/bank"
	"github.com/mmeshcher/alfa-voucher/internal/model"
	"github.com/mmeshcher/alfa-voucher/internal/validation"
)

// PurchaseRequest содержит данные формы покупки абонемента.
type PurchaseRequest struct {
	ServiceID   string `json:"service_id" validate:"required"`
	ServiceName string `json:"service_name" validate:"required"`
	Price       string `json:"price" validate:"required"`
	Phone       string `json:"phone" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	Visits      string `json:"visits"`
	Freezing    string `json:"freezing"`
	BackURL     string `json:"back_url"`
}

func (r PurchaseRequest) trimmed() PurchaseRequest {
	return PurchaseRequest{
		ServiceID:   strings.TrimSpace(r.ServiceID),
		ServiceName: strings.TrimSpace(r.ServiceName),
		Price:       strings.TrimSpace(r.Price),
		Phone:       strings.TrimSpace(r.Phone),
		Email:       strings.TrimSpace(r.Email),
		Visits:      strings.TrimSpace(r.Visits),
		Freezing:    strings.TrimSpace(r.Freezing),
		BackURL:     strings.TrimSpace(r.BackURL),
	}
}

// Registration содержит результат регистрации оплаты.
type Registration struct {
	FormURL     string
	OrderID     string
	OrderNumber string
}

// Register проверяет заявку, регистрирует заказ в банке и сохраняет его.
// Заказ сохраняется только после того, как банк вернул orderId.
// Повторная попытка при ошибке банка не выполняется: каждая попытка создаёт новый orderNumber.
func (s *Service) Register(ctx context.Context, req PurchaseRequest) (*Registration, error) {
	req = req.trimmed()
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	price, err := validation.NormalizePrice(req.Price)
	if err != nil {
		return nil, err
	}
	phone, err := validation.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	orderNumber, err := s.newOrderNumber(now)
	if err != nil {
		return nil, err
	}
	backURL := s.resolveBackURL(req.BackURL)

	resp, err := s.gateway.Register(ctx, bank.RegisterRequest{
		OrderNumber: orderNumber,
		Amount:      price,
		Currency:    s.opts.Currency,
		ReturnURL:   s.returnURL(backURL),
		Language:    s.opts.Language,
		Description: req.ServiceName,
	})
	if err != nil {
		s.logger.Warn("bank registration failed", zap.String("orderNumber", orderNumber), zap.Error(err))
		return nil, err
	}

	order := &model.Order{
		OrderID:       resp.OrderID,
		OrderNumber:   orderNumber,
		ServiceID:     req.ServiceID,
		ServiceName:   req.ServiceName,
		Price:         price,
		Visits:        req.Visits,
		FreezingDays:  req.Freezing,
		CustomerPhone: phone,
		CustomerEmail: req.Email,
		BackURL:       backURL,
		CreatedAt:     now,
	}
	if err := s.repo.PutOrder(ctx, order); err != nil {
		s.logger.Error("registered order not stored",
			zap.String("orderId", resp.OrderID), zap.String("orderNumber", orderNumber), zap.Error(err))
		return nil, fmt.Errorf("store order: %w", err)
	}

	s.logger.Info("payment registered",
		zap.String("orderId", resp.OrderID),
		zap.String("orderNumber", orderNumber),
		zap.Int64("price", price),
	)

	return &Registration{FormURL: resp.FormURL, OrderID: resp.OrderID, OrderNumber: orderNumber}, nil
}

// newOrderNumber формирует номер вида AB-20261016120000-a1b2c3d4e5f6.
func (s *Service) newOrderNumber(now time.Time) (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate order number: %w", err)
	}
	return s.opts.OrderPrefix + now.Format("20060102150405") + "-" + hex.EncodeToString(suffix), nil
}

func (s *Service) resolveBackURL(raw string) string {
	if s.opts.HonorBackURL && SafeBackURL(raw) {
		return raw
	}
	return s.opts.DefaultBackURL
}

func (s *Service) returnURL(backURL string) string {
	q := url.Values{}
	q.Set("back", backURL)
	return s.opts.PublicBase + ReturnPath + "?" + q.Encode()
}
