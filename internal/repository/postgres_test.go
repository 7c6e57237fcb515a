package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/alfa-voucher/internal/model"
)

// newPostgresRepo подключается к TEST_DATABASE_URI. Без неё тесты пропускаются.
func newPostgresRepo(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func uniqueOrder(t *testing.T, repo *PostgresRepository) *model.Order {
	t.Helper()

	id := uuid.NewString()
	o := testOrder()
	o.OrderID = id
	o.OrderNumber = "AB-" + id
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = repo.pool.Exec(ctx, `DELETE FROM vouchers WHERE order_id = $1`, id)
		_, _ = repo.pool.Exec(ctx, `DELETE FROM orders WHERE order_id = $1`, id)
	})
	return o
}

func voucherFor(o *model.Order) *model.Voucher {
	return &model.Voucher{
		DocID:       uuid.NewString(),
		OrderID:     o.OrderID,
		OrderNumber: o.OrderNumber,
		Email:       o.CustomerEmail,
		Phone:       o.CustomerPhone,
		ServiceID:   o.ServiceID,
		ServiceName: o.ServiceName,
		Price:       o.Price,
		CreatedAt:   time.Date(2026, 10, 16, 12, 5, 0, 0, time.UTC),
	}
}

func TestPostgresRepository_PutAndGetByBothKeys(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	o := uniqueOrder(t, repo)

	require.NoError(t, repo.PutOrder(ctx, o))

	byID, err := repo.GetOrderByID(ctx, o.OrderID)
	require.NoError(t, err)
	byNumber, err := repo.GetOrderByNumber(ctx, o.OrderNumber)
	require.NoError(t, err)

	assert.Equal(t, o.OrderNumber, byID.OrderNumber)
	assert.Equal(t, o.Price, byID.Price)
	assert.True(t, o.CreatedAt.Equal(byID.CreatedAt))
	assert.Equal(t, byID.OrderID, byNumber.OrderID)

	_, err = repo.GetOrderByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresRepository_WriteOnce(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	o := uniqueOrder(t, repo)

	require.NoError(t, repo.PutOrder(ctx, o))

	sameNumber := *o
	sameNumber.OrderID = uuid.NewString()
	assert.ErrorIs(t, repo.PutOrder(ctx, &sameNumber), ErrOrderExists)

	sameID := *o
	sameID.OrderNumber = "AB-" + uuid.NewString()
	sameID.Price = 1
	assert.ErrorIs(t, repo.PutOrder(ctx, &sameID), ErrOrderExists)

	got, err := repo.GetOrderByID(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, o.Price, got.Price)
}

func TestPostgresRepository_SaveVoucherOncePerOrder(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	o := uniqueOrder(t, repo)
	require.NoError(t, repo.PutOrder(ctx, o))

	v := voucherFor(o)
	require.NoError(t, repo.SaveVoucher(ctx, v))
	assert.ErrorIs(t, repo.SaveVoucher(ctx, voucherFor(o)), ErrVoucherExists)

	got, err := repo.GetVoucherByOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, v.DocID, got.DocID)

	byDoc, err := repo.GetVoucher(ctx, v.DocID)
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, byDoc.OrderID)

	_, err = repo.GetVoucher(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrVoucherNotFound)
}

func TestPostgresRepository_ConcurrentSaveVoucher(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	o := uniqueOrder(t, repo)
	require.NoError(t, repo.PutOrder(ctx, o))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.SaveVoucher(ctx, voucherFor(o))
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrVoucherExists)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestWithRetry(t *testing.T) {
	repo := &PostgresRepository{}
	ctx := context.Background()

	t.Run("serialization failure is retried", func(t *testing.T) {
		calls := 0
		err := repo.withRetry(ctx, func(context.Context) error {
			calls++
			if calls < 3 {
				return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("unique violation is returned at once", func(t *testing.T) {
		calls := 0
		err := repo.withRetry(ctx, func(context.Context) error {
			calls++
			return fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation})
		})
		assert.True(t, isUniqueViolation(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("canceled context is not retried", func(t *testing.T) {
		calls := 0
		err := repo.withRetry(ctx, func(context.Context) error {
			calls++
			return context.Canceled
		})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, calls)
	})
}
