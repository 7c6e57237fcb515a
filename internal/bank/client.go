// Package bank предоставляет клиент платёжного шлюза эквайера (REST API Альфа-Банка).
package bank

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	registerEndpoint = "rest/register.do"
	statusEndpoint   = "rest/getOrderStatusExtended.do"

	defaultTimeout = 20 * time.Second
	maxBodySize    = 1 << 20
)

// StatusDeposited — код orderStatus, означающий, что сумма заказа полностью списана.
const StatusDeposited = 2

var (
	// ErrNotConfigured возвращается, если не заданы ни токен, ни логин с паролем.
	ErrNotConfigured = errors.New("bank credentials not configured")
	// ErrInvalidAmount возвращается при отрицательной сумме заказа.
	ErrInvalidAmount = errors.New("amount must be non-negative")
	// ErrMissingOrderRef возвращается, если не передан ни orderId, ни orderNumber.
	ErrMissingOrderRef = errors.New("orderId or orderNumber required")
)

// ErrorKind различает причины отказа шлюза.
type ErrorKind int

const (
	// KindTransport — банк недоступен: сетевая ошибка, таймаут или нечитаемый ответ.
	KindTransport ErrorKind = iota + 1
	// KindHTTPStatus — банк ответил кодом HTTP вне диапазона 2xx.
	KindHTTPStatus
	// KindRejected — банк явно отклонил запрос ненулевым errorCode.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// GatewayError описывает неуспешный вызов платёжного шлюза.
type GatewayError struct {
	Kind       ErrorKind
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bank %s: %s", e.Op, e.Kind)
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (http %d)", e.HTTPStatus)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Config содержит параметры подключения к шлюзу.
type Config struct {
	BaseURL       string
	Token         string
	User          string
	Password      string
	SkipSSLVerify bool
	Timeout       time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
// Клиент не повторяет запросы: повтор регистрации создал бы в банке второй заказ.
type Client struct {
	baseURL    string
	auth       url.Values
	httpClient *http.Client
}

// RegisterRequest описывает регистрацию заказа. Amount указывается в рублях.
type RegisterRequest struct {
	OrderNumber string
	Amount      int64
	Currency    string
	ReturnURL   string
	Language    string
	Description string
}

// RegisterResponse содержит идентификатор заказа в банке и адрес платёжной формы.
type RegisterResponse struct {
	OrderID string
	FormURL string
}

// OrderRef ссылается на заказ по идентификатору банка или по номеру заказа магазина.
type OrderRef struct {
	OrderID     string
	OrderNumber string
}

// OrderStatus описывает состояние заказа по данным банка.
type OrderStatus struct {
	Paid         bool
	OrderStatus  int
	ErrorCode    string
	ErrorMessage string
	ActionCode   int
	OrderNumber  string
	Amount       int64
}

// NewClient создаёт клиент шлюза. Проверка TLS-сертификата отключается только явно.
func NewClient(cfg Config) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	if cfg.SkipSSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	auth := url.Values{}
	switch {
	case cfg.Token != "":
		auth.Set("token", cfg.Token)
	case cfg.User != "" && cfg.Password != "":
		auth.Set("userName", cfg.User)
		auth.Set("password", cfg.Password)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// Register регистрирует заказ в банке и возвращает адрес платёжной формы.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	params := url.Values{}
	params.Set("orderNumber", req.OrderNumber)
	params.Set("amount", strconv.FormatInt(req.Amount*100, 10))
	params.Set("returnUrl", req.ReturnURL)
	if req.Currency != "" {
		params.Set("currency", req.Currency)
	}
	if req.Language != "" {
		params.Set("language", req.Language)
	}
	if req.Description != "" {
		params.Set("description", req.Description)
	}

	body, code, err := c.post(ctx, registerEndpoint, params)
	if err != nil {
		return nil, gatewayError("register", err)
	}
	if code < 200 || code > 299 {
		return nil, &GatewayError{Kind: KindHTTPStatus, Op: "register", HTTPStatus: code}
	}

	var resp struct {
		OrderID      string   `json:"orderId"`
		FormURL      string   `json:"formUrl"`
		ErrorCode    flexCode `json:"errorCode"`
		ErrorMessage string   `json:"errorMessage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Kind: KindTransport, Op: "register", HTTPStatus: code, Message: "decode response", Err: err}
	}

	if resp.ErrorCode.failed() {
		return nil, &GatewayError{
			Kind:       KindRejected,
			Op:         "register",
			HTTPStatus: code,
			Code:       string(resp.ErrorCode),
			Message:    resp.ErrorMessage,
		}
	}
	if resp.OrderID == "" || resp.FormURL == "" {
		return nil, &GatewayError{Kind: KindRejected, Op: "register", HTTPStatus: code, Message: "empty orderId or formUrl"}
	}

	return &RegisterResponse{OrderID: resp.OrderID, FormURL: resp.FormURL}, nil
}

// Status запрашивает фактическое состояние оплаты заказа. Предпочитается orderId.
func (c *Client) Status(ctx context.Context, ref OrderRef) (*OrderStatus, error) {
	body, code, err := c.RawStatus(ctx, ref)
	if err != nil {
		return nil, err
	}
	if code < 200 || code > 299 {
		return nil, &GatewayError{Kind: KindHTTPStatus, Op: "status", HTTPStatus: code}
	}

	var resp struct {
		OrderStatus  *int     `json:"orderStatus"`
		ErrorCode    flexCode `json:"errorCode"`
		ErrorMessage string   `json:"errorMessage"`
		ActionCode   int      `json:"actionCode"`
		OrderNumber  string   `json:"orderNumber"`
		Amount       int64    `json:"amount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Kind: KindTransport, Op: "status", HTTPStatus: code, Message: "decode response", Err: err}
	}

	if resp.ErrorCode.failed() {
		return nil, &GatewayError{
			Kind:       KindRejected,
			Op:         "status",
			HTTPStatus: code,
			Code:       string(resp.ErrorCode),
			Message:    resp.ErrorMessage,
		}
	}

	st := &OrderStatus{
		OrderStatus:  -1,
		ErrorCode:    string(resp.ErrorCode),
		ErrorMessage: resp.ErrorMessage,
		ActionCode:   resp.ActionCode,
		OrderNumber:  resp.OrderNumber,
		Amount:       resp.Amount,
	}
	if resp.OrderStatus != nil {
		st.OrderStatus = *resp.OrderStatus
		st.Paid = *resp.OrderStatus == StatusDeposited
	}

	return st, nil
}

// RawStatus возвращает ответ банка о состоянии заказа без разбора.
// Ошибка возвращается только если ответ получить не удалось.
func (c *Client) RawStatus(ctx context.Context, ref OrderRef) ([]byte, int, error) {
	params := url.Values{}
	switch {
	case ref.OrderID != "":
		params.Set("orderId", ref.OrderID)
	case ref.OrderNumber != "":
		params.Set("orderNumber", ref.OrderNumber)
	default:
		return nil, 0, ErrMissingOrderRef
	}

	body, code, err := c.post(ctx, statusEndpoint, params)
	if err != nil {
		return nil, 0, gatewayError("status", err)
	}
	return body, code, nil
}

func (c *Client) post(ctx context.Context, endpoint string, params url.Values) ([]byte, int, error) {
	if c == nil || len(c.auth) == 0 {
		return nil, 0, ErrNotConfigured
	}

	form := url.Values{}
	for k, v := range c.auth {
		form[k] = v
	}
	for k, v := range params {
		form[k] = v
	}

	target := c.baseURL + "/" + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	return body, resp.StatusCode, nil
}

func gatewayError(op string, err error) error {
	if errors.Is(err, ErrNotConfigured) {
		return err
	}
	return &GatewayError{Kind: KindTransport, Op: op, Err: err}
}

// flexCode принимает errorCode как строкой, так и числом.
type flexCode string

func (c *flexCode) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = flexCode(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = flexCode(n.String())
	return nil
}

// failed считает ошибкой любой присутствующий код, кроме "0".
func (c flexCode) failed() bool {
	return c != "" && c != "0"
}
