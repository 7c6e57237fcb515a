package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/alfa-voucher/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository хранит заказы и метаданные абонементов в PostgreSQL.
// Оба ключа заказа живут в одной строке, поэтому запись по двум индексам атомарна.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, взаимоблокировке и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// PutOrder сохраняет заказ. Повторная запись с тем же orderId или orderNumber запрещена.
func (r *PostgresRepository) PutOrder(ctx context.Context, o *model.Order) error {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO orders (order_id, order_number, service_id, service_name, price,
			                     visits, freezing_days, customer_phone, customer_email, back_url, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			o.OrderID, o.OrderNumber, o.ServiceID, o.ServiceName, o.Price,
			o.Visits, o.FreezingDays, o.CustomerPhone, o.CustomerEmail, o.BackURL, o.CreatedAt,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrOrderExists, o.OrderNumber)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const selectOrder = `SELECT order_id, order_number, service_id, service_name, price,
       visits, freezing_days, customer_phone, customer_email, back_url, created_at
  FROM orders`

// GetOrderByID возвращает заказ по идентификатору банка.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	return r.getOrder(ctx, selectOrder+` WHERE order_id = $1`, orderID)
}

// GetOrderByNumber возвращает заказ по номеру заказа магазина.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	return r.getOrder(ctx, selectOrder+` WHERE order_number = $1`, number)
}

func (r *PostgresRepository) getOrder(ctx context.Context, query, key string) (*model.Order, error) {
	var o model.Order
	err := r.pool.QueryRow(ctx, query, key).Scan(
		&o.OrderID, &o.OrderNumber, &o.ServiceID, &o.ServiceName, &o.Price,
		&o.Visits, &o.FreezingDays, &o.CustomerPhone, &o.CustomerEmail, &o.BackURL, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// SaveVoucher сохраняет метаданные абонемента. Если для заказа абонемент уже есть,
// возвращает ErrVoucherExists.
func (r *PostgresRepository) SaveVoucher(ctx context.Context, v *model.Voucher) error {
	var inserted bool
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`INSERT INTO vouchers (doc_id, order_id, order_number, email, phone,
			                       service_id, service_name, price, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (order_id) DO NOTHING`,
			v.DocID, v.OrderID, v.OrderNumber, v.Email, v.Phone,
			v.ServiceID, v.ServiceName, v.Price, v.CreatedAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert voucher: %w", err)
	}
	if !inserted {
		return ErrVoucherExists
	}
	return nil
}

const selectVoucher = `SELECT doc_id, order_id, order_number, email, phone,
       service_id, service_name, price, created_at
  FROM vouchers`

// GetVoucher возвращает метаданные абонемента по docId.
func (r *PostgresRepository) GetVoucher(ctx context.Context, docID string) (*model.Voucher, error) {
	return r.getVoucher(ctx, selectVoucher+` WHERE doc_id = $1`, docID)
}

// GetVoucherByOrder возвращает метаданные абонемента, выпущенного для заказа.
func (r *PostgresRepository) GetVoucherByOrder(ctx context.Context, orderID string) (*model.Voucher, error) {
	return r.getVoucher(ctx, selectVoucher+` WHERE order_id = $1`, orderID)
}

func (r *PostgresRepository) getVoucher(ctx context.Context, query, key string) (*model.Voucher, error) {
	var v model.Voucher
	err := r.pool.QueryRow(ctx, query, key).Scan(
		&v.DocID, &v.OrderID, &v.OrderNumber, &v.Email, &v.Phone,
		&v.ServiceID, &v.ServiceName, &v.Price, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVoucherNotFound
		}
		return nil, fmt.Errorf("get voucher: %w", err)
	}
	return &v, nil
}
