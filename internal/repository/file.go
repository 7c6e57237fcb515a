package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mmeshcher/alfa-voucher/internal/model"
)

const byOrderDir = "by-order"

// FileRepository хранит заказы и метаданные абонементов в JSON-файлах.
//
// Заказ записывается дважды: {orderNumber}.json и {orderId}.json. Файл по orderId
// создаётся последним и служит точкой фиксации: чтение по номеру заказа видит
// запись только после его появления. Все файлы создаются через временный файл
// и os.Link, поэтому читатель никогда не видит частично записанный JSON,
// а существующая запись не перезаписывается.
type FileRepository struct {
	ordersDir   string
	vouchersDir string
}

// NewFileRepository создаёт файловое хранилище и необходимые каталоги.
func NewFileRepository(ordersDir, vouchersDir string) (*FileRepository, error) {
	for _, dir := range []string{ordersDir, vouchersDir, filepath.Join(vouchersDir, byOrderDir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return &FileRepository{ordersDir: ordersDir, vouchersDir: vouchersDir}, nil
}

// Close ничего не освобождает и нужен для совместимости с PostgresRepository.
func (r *FileRepository) Close() error {
	return nil
}

// PutOrder сохраняет заказ под обоими ключами.
func (r *FileRepository) PutOrder(_ context.Context, o *model.Order) error {
	if !ValidKey(o.OrderID) || !ValidKey(o.OrderNumber) {
		return fmt.Errorf("put order: invalid key %q/%q", o.OrderID, o.OrderNumber)
	}

	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	numberPath := r.orderPath(o.OrderNumber)
	idPath := r.orderPath(o.OrderID)

	if _, err := os.Stat(idPath); err == nil {
		return ErrOrderExists
	}

	if err := createExclusive(numberPath, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrOrderExists
		}
		return fmt.Errorf("write order number index: %w", err)
	}

	if err := createExclusive(idPath, data); err != nil {
		_ = os.Remove(numberPath)
		if errors.Is(err, fs.ErrExist) {
			return ErrOrderExists
		}
		return fmt.Errorf("write order id index: %w", err)
	}

	return nil
}

// GetOrderByID возвращает заказ по идентификатору банка.
func (r *FileRepository) GetOrderByID(_ context.Context, orderID string) (*model.Order, error) {
	if !ValidKey(orderID) {
		return nil, ErrOrderNotFound
	}

	o, err := readOrder(r.orderPath(orderID))
	if err != nil {
		return nil, err
	}
	if o.OrderID != orderID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// GetOrderByNumber возвращает заказ по номеру заказа магазина.
func (r *FileRepository) GetOrderByNumber(_ context.Context, number string) (*model.Order, error) {
	if !ValidKey(number) {
		return nil, ErrOrderNotFound
	}

	o, err := readOrder(r.orderPath(number))
	if err != nil {
		return nil, err
	}
	if o.OrderNumber != number {
		return nil, ErrOrderNotFound
	}

	// Запись без файла по orderId не зафиксирована.
	if _, err := os.Stat(r.orderPath(o.OrderID)); err != nil {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// SaveVoucher сохраняет метаданные абонемента. Если для заказа абонемент уже есть,
// возвращает ErrVoucherExists и ничего не меняет.
func (r *FileRepository) SaveVoucher(_ context.Context, v *model.Voucher) error {
	if !ValidKey(v.DocID) || !ValidKey(v.OrderID) {
		return fmt.Errorf("save voucher: invalid key %q/%q", v.DocID, v.OrderID)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal voucher: %w", err)
	}

	docPath := r.voucherPath(v.DocID)
	if err := createExclusive(docPath, data); err != nil {
		return fmt.Errorf("write voucher metadata: %w", err)
	}

	if err := createExclusive(r.voucherOrderPath(v.OrderID), data); err != nil {
		_ = os.Remove(docPath)
		if errors.Is(err, fs.ErrExist) {
			return ErrVoucherExists
		}
		return fmt.Errorf("write voucher order index: %w", err)
	}

	return nil
}

// GetVoucher возвращает метаданные абонемента по docId.
func (r *FileRepository) GetVoucher(_ context.Context, docID string) (*model.Voucher, error) {
	if !ValidKey(docID) {
		return nil, ErrVoucherNotFound
	}
	return readVoucher(r.voucherPath(docID))
}

// GetVoucherByOrder возвращает метаданные абонемента, выпущенного для заказа.
func (r *FileRepository) GetVoucherByOrder(_ context.Context, orderID string) (*model.Voucher, error) {
	if !ValidKey(orderID) {
		return nil, ErrVoucherNotFound
	}
	return readVoucher(r.voucherOrderPath(orderID))
}

func (r *FileRepository) orderPath(key string) string {
	return filepath.Join(r.ordersDir, key+".json")
}

func (r *FileRepository) voucherPath(docID string) string {
	return filepath.Join(r.vouchersDir, docID+".json")
}

func (r *FileRepository) voucherOrderPath(orderID string) string {
	return filepath.Join(r.vouchersDir, byOrderDir, orderID+".json")
}

func readOrder(path string) (*model.Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("read order: %w", err)
	}

	var o model.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", filepath.Base(path), err)
	}
	return &o, nil
}

func readVoucher(path string) (*model.Voucher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrVoucherNotFound
		}
		return nil, fmt.Errorf("read voucher: %w", err)
	}

	var v model.Voucher
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode voucher %s: %w", filepath.Base(path), err)
	}
	return &v, nil
}

// createExclusive атомарно создаёт файл с содержимым data.
// Если файл уже существует, возвращает ошибку, совместимую с fs.ErrExist.
func createExclusive(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return err
	}

	return os.Link(tmpName, path)
}

// ValidKey сообщает, можно ли использовать строку как имя файла хранилища.
func ValidKey(key string) bool {
	if key == "" || len(key) > 128 || key[0] == '.' {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
