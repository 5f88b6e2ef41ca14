package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
)

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFn func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	if m.scanFn != nil {
		return m.scanFn(dest...)
	}
	return nil
}

// mockPool implements PoolInterface and database.TxQuerier for testing.
type mockPool struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (m *mockPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if m.execFn != nil {
		return m.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (m *mockPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFn != nil {
		return m.queryRowFn(ctx, sql, args...)
	}
	return &mockRow{}
}

func (m *mockPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func couponRow(id int64, description string, discount, stock int, status string, createdAt time.Time) *mockRow {
	return &mockRow{
		scanFn: func(dest ...any) error {
			*(dest[0].(*int64)) = id
			*(dest[1].(*string)) = description
			*(dest[2].(*int)) = discount
			*(dest[3].(*int)) = stock
			*(dest[4].(*string)) = status
			*(dest[5].(*time.Time)) = createdAt
			return nil
		},
	}
}

func errRow(err error) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error { return err }}
}

func TestCouponRepository_Insert_Success(t *testing.T) {
	var capturedSQL string
	var capturedArgs []any
	createdAt := time.Now()

	mock := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			capturedSQL = sql
			capturedArgs = args
			return &mockRow{scanFn: func(dest ...any) error {
				*(dest[0].(*int64)) = 11
				*(dest[1].(*time.Time)) = createdAt
				return nil
			}}
		},
	}

	repo := NewCouponRepositoryWithPool(mock)
	coupon := &model.Coupon{Description: "5000-unit discount", DiscountAmount: 5000, Stock: 5}

	err := repo.Insert(context.Background(), coupon)

	require.NoError(t, err)
	assert.Contains(t, capturedSQL, "INSERT INTO coupons")
	assert.Contains(t, capturedSQL, "RETURNING id")
	assert.Equal(t, "5000-unit discount", capturedArgs[0])
	assert.Equal(t, 5000, capturedArgs[1])
	assert.Equal(t, 5, capturedArgs[2])
	assert.Equal(t, "OPEN", capturedArgs[3], "new coupons default to OPEN")
	assert.Equal(t, int64(11), coupon.ID)
	assert.Equal(t, createdAt, coupon.CreatedAt)
}

func TestCouponRepository_Insert_DuplicateCoupon(t *testing.T) {
	mock := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return errRow(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
		},
	}

	err := NewCouponRepositoryWithPool(mock).Insert(context.Background(), &model.Coupon{Description: "x", DiscountAmount: 1})

	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrCouponExists))
}

func TestCouponRepository_Insert_DatabaseError(t *testing.T) {
	dbErr := errors.New("connection refused")
	mock := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return errRow(dbErr)
		},
	}

	err := NewCouponRepositoryWithPool(mock).Insert(context.Background(), &model.Coupon{Description: "x", DiscountAmount: 1})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert coupon")
	assert.True(t, errors.Is(err, dbErr), "should wrap original error")
}

func TestCouponRepository_GetByID_Success(t *testing.T) {
	createdAt := time.Now()
	var capturedSQL string
	mock := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			capturedSQL = sql
			return couponRow(7, "5000-unit discount", 5000, 5, "OPEN", createdAt)
		},
	}

	coupon, err := NewCouponRepositoryWithPool(mock).GetByID(context.Background(), 7)

	require.NoError(t, err)
	require.NotNil(t, coupon)
	assert.NotContains(t, capturedSQL, "FOR UPDATE", "read path must not lock")
	assert.Equal(t, int64(7), coupon.ID)
	assert.Equal(t, "5000-unit discount", coupon.Description)
	assert.Equal(t, 5000, coupon.DiscountAmount)
	assert.Equal(t, 5, coupon.Stock)
	assert.Equal(t, model.CouponStatusOpen, coupon.Status)
}

func TestCouponRepository_GetByID_NotFound(t *testing.T) {
	mock := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return errRow(pgx.ErrNoRows)
		},
	}

	coupon, err := NewCouponRepositoryWithPool(mock).GetByID(context.Background(), 404)

	require.NoError(t, err)
	assert.Nil(t, coupon)
}

func TestCouponRepository_GetByID_DatabaseError(t *testing.T) {
	dbErr := errors.New("query timeout")
	mock := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return errRow(dbErr)
		},
	}

	coupon, err := NewCouponRepositoryWithPool(mock).GetByID(context.Background(), 7)

	require.Error(t, err)
	assert.Nil(t, coupon)
	assert.True(t, errors.Is(err, dbErr))
}

func TestCouponRepository_GetForUpdate_LocksRow(t *testing.T) {
	var capturedSQL string
	tx := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			capturedSQL = sql
			return couponRow(7, "5000-unit discount", 5000, 1, "CLOSED", time.Now())
		},
	}

	repo := NewCouponRepositoryWithPool(&mockPool{})
	coupon, err := repo.GetForUpdate(context.Background(), tx, 7)

	require.NoError(t, err)
	assert.Contains(t, capturedSQL, "FOR UPDATE")
	assert.Equal(t, model.CouponStatusClosed, coupon.Status)
}

func TestCouponRepository_GetForUpdate_NotFound(t *testing.T) {
	tx := &mockPool{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return errRow(pgx.ErrNoRows)
		},
	}

	coupon, err := NewCouponRepositoryWithPool(&mockPool{}).GetForUpdate(context.Background(), tx, 7)

	assert.Nil(t, coupon)
	assert.True(t, errors.Is(err, service.ErrCouponNotFound))
}

func TestCouponRepository_Save_Success(t *testing.T) {
	var capturedSQL string
	var capturedArgs []any
	tx := &mockPool{
		execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			capturedSQL = sql
			capturedArgs = arguments
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	coupon := &model.Coupon{ID: 7, Stock: 4, Status: model.CouponStatusOpen}
	err := NewCouponRepositoryWithPool(&mockPool{}).Save(context.Background(), tx, coupon)

	require.NoError(t, err)
	assert.Contains(t, capturedSQL, "UPDATE coupons SET stock = $2, status = $3")
	assert.Equal(t, []any{int64(7), 4, "OPEN"}, capturedArgs)
}

func TestCouponRepository_Save_NoRows(t *testing.T) {
	tx := &mockPool{
		execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}

	err := NewCouponRepositoryWithPool(&mockPool{}).Save(context.Background(), tx, &model.Coupon{ID: 7})

	assert.True(t, errors.Is(err, service.ErrCouponNotFound))
}

func TestCouponRepository_Save_DatabaseError(t *testing.T) {
	tx := &mockPool{
		execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("database update timeout")
		},
	}

	err := NewCouponRepositoryWithPool(&mockPool{}).Save(context.Background(), tx, &model.Coupon{ID: 7})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "save coupon 7")
}
