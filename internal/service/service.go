// Package service реализует регистрацию оплаты и сверку возврата из банка.
package service

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/alfa-voucher/internal/bank"
	"github.com/mmeshcher/alfa-voucher/internal/model"
	"github.com/mmeshcher/alfa-voucher/internal/voucher"
)

// ReturnPath задаёт путь, на который банк возвращает покупателя.
const ReturnPath = "/payment/return"

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	PutOrder(ctx context.Context, o *model.Order) error
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	GetVoucherByOrder(ctx context.Context, orderID string) (*model.Voucher, error)
}

// Gateway описывает платёжный шлюз банка.
type Gateway interface {
	Register(ctx context.Context, req bank.RegisterRequest) (*bank.RegisterResponse, error)
	Status(ctx context.Context, ref bank.OrderRef) (*bank.OrderStatus, error)
	RawStatus(ctx context.Context, ref bank.OrderRef) ([]byte, int, error)
}

// Issuer описывает выпуск абонементов.
type Issuer interface {
	Issue(ctx context.Context, o *model.Order) (*voucher.IssueResult, error)
	Rerender(ctx context.Context, o *model.Order, v *model.Voucher) (bool, error)
	AccessURL(v *model.Voucher) string
	ArtifactReady(docID string) bool
}

// Options задаёт параметры регистрации и возврата.
type Options struct {
	// PublicBase — внешний адрес сервиса, на который банк возвращает покупателя.
	PublicBase string
	// DefaultBackURL используется, если адрес возврата не передан или не принят.
	DefaultBackURL string
	// HonorBackURL разрешает покупателю передавать свой back_url.
	HonorBackURL bool
	Currency     string
	Language     string
	// OrderPrefix добавляется в начало orderNumber.
	OrderPrefix string
}

// Service содержит бизнес-логику оплаты абонементов.
type Service struct {
	repo     Repository
	gateway  Gateway
	issuer   Issuer
	opts     Options
	logger   *zap.Logger
	inflight singleflight.Group
}

// NewService создаёт новый сервис.
func NewService(repo Repository, gateway Gateway, issuer Issuer, opts Options, logger *zap.Logger) *Service {
	opts.PublicBase = strings.TrimRight(opts.PublicBase, "/")
	if opts.DefaultBackURL == "" {
		opts.DefaultBackURL = "/"
	}
	if opts.OrderPrefix == "" {
		opts.OrderPrefix = "AB-"
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		issuer:  issuer,
		opts:    opts,
		logger:  logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// BankStatus возвращает ответ банка о заказе без разбора.
func (s *Service) BankStatus(ctx context.Context, ref bank.OrderRef) ([]byte, int, error) {
	return s.gateway.RawStatus(ctx, ref)
}

// SafeBackURL сообщает, можно ли перенаправить покупателя на raw:
// допускаются абсолютные http(s)-адреса и пути внутри сайта.
func SafeBackURL(raw string) bool {
	if raw == "" || strings.ContainsAny(raw, "\r\n\\") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//")
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
