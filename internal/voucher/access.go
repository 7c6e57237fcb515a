package voucher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mmeshcher/alfa-voucher/internal/repository"
	"github.com/mmeshcher/alfa-voucher/internal/token"
)

var (
	// ErrForbidden возвращается при неверной подписи ссылки.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound возвращается, если нет метаданных или файла абонемента.
	ErrNotFound = errors.New("voucher not found")
)

// Artifact описывает открытый PDF абонемента. Вызывающий обязан закрыть его.
type Artifact struct {
	io.ReadCloser
	Name string
	Size int64
}

// Gateway выдаёт абонементы по подписанным ссылкам.
type Gateway struct {
	store     Store
	artifacts *FileStorage
	signer    *token.Signer
}

// NewGateway создаёт Gateway.
func NewGateway(store Store, artifacts *FileStorage, signer *token.Signer) *Gateway {
	return &Gateway{store: store, artifacts: artifacts, signer: signer}
}

// Open проверяет подпись и открывает PDF абонемента.
func (g *Gateway) Open(ctx context.Context, docID, tok string) (*Artifact, error) {
	v, err := g.store.GetVoucher(ctx, docID)
	if err != nil {
		if errors.Is(err, repository.ErrVoucherNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get voucher: %w", err)
	}

	if !g.signer.Verify(v.DocID, v.Email, tok) {
		return nil, ErrForbidden
	}

	f, size, err := g.artifacts.Open(v.DocID)
	if err != nil {
		return nil, err
	}

	return &Artifact{ReadCloser: f, Name: v.DocID + ".pdf", Size: size}, nil
}
