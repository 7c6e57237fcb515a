// Package repository содержит хранилища заказов и метаданных абонементов.
package repository

import "errors"

var (
	// ErrOrderNotFound возвращается, если заказ не найден ни по одному из ключей.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists возвращается при повторной записи заказа: записи неизменяемы.
	ErrOrderExists = errors.New("order already exists")
	// ErrVoucherNotFound возвращается, если абонемент не найден.
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrVoucherExists возвращается, если для заказа уже выпущен абонемент.
	ErrVoucherExists = errors.New("voucher already issued for order")
)
