// Package model содержит доменные сущности сервиса оплаты абонементов.
package model

import "time"

// Order описывает зарегистрированную в банке попытку покупки.
// Запись неизменяема после создания.
type Order struct {
	OrderID       string    `json:"orderId"`
	OrderNumber   string    `json:"orderNumber"`
	ServiceID     string    `json:"serviceId"`
	ServiceName   string    `json:"serviceName"`
	Price         int64     `json:"priceMajorUnits"`
	Visits        string    `json:"visits,omitempty"`
	FreezingDays  string    `json:"freezingDays,omitempty"`
	CustomerPhone string    `json:"customerPhone"`
	CustomerEmail string    `json:"customerEmail"`
	BackURL       string    `json:"backUrl"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Voucher описывает метаданные выпущенного абонемента.
// Наличие записи означает, что заказ исполнен.
type Voucher struct {
	DocID       string    `json:"docId"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	ServiceID   string    `json:"serviceId"`
	ServiceName string    `json:"serviceName"`
	Price       int64     `json:"price"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReconcileState описывает итоговое состояние обработки возврата из банка.
type ReconcileState string

const (
	StatePending            ReconcileState = "PENDING"
	StateVerifying          ReconcileState = "VERIFYING"
	StateFulfilled          ReconcileState = "FULFILLED"
	StatePaymentRejected    ReconcileState = "PAYMENT_REJECTED"
	StateGatewayUnavailable ReconcileState = "GATEWAY_UNAVAILABLE"
	StateInconsistent       ReconcileState = "INCONSISTENT"
)

// ReconcileResult передаётся браузеру после возврата со страницы банка.
type ReconcileResult struct {
	Confirmed  bool           `json:"ok"`
	VoucherURL string         `json:"voucher_url,omitempty"`
	Message    string         `json:"message"`
	OrderRef   string         `json:"order_ref,omitempty"`
	State      ReconcileState `json:"state"`
	BackURL    string         `json:"-"`
}
