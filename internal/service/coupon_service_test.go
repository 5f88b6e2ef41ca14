package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/lock"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/pkg/database"
)

// mockCouponRepository is a mock implementation of CouponRepositoryInterface.
type mockCouponRepository struct {
	insertFn       func(ctx context.Context, coupon *model.Coupon) error
	getByIDFn      func(ctx context.Context, id int64) (*model.Coupon, error)
	getForUpdateFn func(ctx context.Context, tx database.TxQuerier, id int64) (*model.Coupon, error)
	saveFn         func(ctx context.Context, tx database.TxQuerier, coupon *model.Coupon) error
}

func (m *mockCouponRepository) Insert(ctx context.Context, coupon *model.Coupon) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, coupon)
	}
	return nil
}

func (m *mockCouponRepository) GetByID(ctx context.Context, id int64) (*model.Coupon, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockCouponRepository) GetForUpdate(ctx context.Context, tx database.TxQuerier, id int64) (*model.Coupon, error) {
	if m.getForUpdateFn != nil {
		return m.getForUpdateFn(ctx, tx, id)
	}
	return nil, ErrCouponNotFound
}

func (m *mockCouponRepository) Save(ctx context.Context, tx database.TxQuerier, coupon *model.Coupon) error {
	if m.saveFn != nil {
		return m.saveFn(ctx, tx, coupon)
	}
	return nil
}

// mockQueue is a mock implementation of queue.Queue.
type mockQueue struct {
	enqueueFn func(ctx context.Context, req model.CouponIssueRequest) error
	sizeFn    func(ctx context.Context, couponID int64) (int64, error)
}

func (m *mockQueue) Enqueue(ctx context.Context, req model.CouponIssueRequest) error {
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, req)
	}
	return nil
}

func (m *mockQueue) Size(ctx context.Context, couponID int64) (int64, error) {
	if m.sizeFn != nil {
		return m.sizeFn(ctx, couponID)
	}
	return 0, nil
}

func intPtr(i int) *int {
	return &i
}

func testGuard() lock.Guard {
	return lock.Guard{Manager: lock.NewLocalManager(), WaitTimeout: time.Second, LeaseTime: 5 * time.Second}
}

func TestCouponService_Create_Success(t *testing.T) {
	var capturedCoupon *model.Coupon
	mockCouponRepo := &mockCouponRepository{
		insertFn: func(ctx context.Context, coupon *model.Coupon) error {
			capturedCoupon = coupon
			coupon.ID = 42
			return nil
		},
	}

	svc := NewCouponService(nil, mockCouponRepo, &mockQueue{}, testGuard())
	req := &model.CreateCouponRequest{
		Description:    "5000-unit discount",
		DiscountAmount: intPtr(5000),
		Stock:          intPtr(5),
	}

	coupon, err := svc.Create(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, int64(42), coupon.ID)
	assert.Equal(t, "5000-unit discount", capturedCoupon.Description)
	assert.Equal(t, 5000, capturedCoupon.DiscountAmount)
	assert.Equal(t, 5, capturedCoupon.Stock)
	assert.Equal(t, model.CouponStatusOpen, capturedCoupon.Status, "new coupons are open")
}

func TestCouponService_Create_ZeroStockAllowed(t *testing.T) {
	svc := NewCouponService(nil, &mockCouponRepository{}, &mockQueue{}, testGuard())

	coupon, err := svc.Create(context.Background(), &model.CreateCouponRequest{
		Description:    "sold out at launch",
		DiscountAmount: intPtr(10),
		Stock:          intPtr(0),
	})

	require.NoError(t, err)
	assert.Equal(t, 0, coupon.Stock)
}

func TestCouponService_Create_DuplicateCoupon(t *testing.T) {
	mockCouponRepo := &mockCouponRepository{
		insertFn: func(ctx context.Context, coupon *model.Coupon) error {
			return ErrCouponExists
		},
	}

	svc := NewCouponService(nil, mockCouponRepo, &mockQueue{}, testGuard())
	_, err := svc.Create(context.Background(), &model.CreateCouponRequest{
		Description:    "promo",
		DiscountAmount: intPtr(100),
		Stock:          intPtr(10),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCouponExists), "error should be ErrCouponExists")
}

func TestCouponService_Create_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  *model.CreateCouponRequest
	}{
		{name: "nil request", req: nil},
		{name: "nil discount", req: &model.CreateCouponRequest{Description: "x", Stock: intPtr(1)}},
		{name: "nil stock", req: &model.CreateCouponRequest{Description: "x", DiscountAmount: intPtr(1)}},
		{name: "stock above max", req: &model.CreateCouponRequest{Description: "x", DiscountAmount: intPtr(1), Stock: intPtr(model.MaxCouponStock + 1)}},
		{name: "negative stock", req: &model.CreateCouponRequest{Description: "x", DiscountAmount: intPtr(1), Stock: intPtr(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewCouponService(nil, &mockCouponRepository{}, &mockQueue{}, testGuard())
			_, err := svc.Create(context.Background(), tt.req)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
}

func TestCouponService_Get_WithQueueSize(t *testing.T) {
	mockCouponRepo := &mockCouponRepository{
		getByIDFn: func(ctx context.Context, id int64) (*model.Coupon, error) {
			return &model.Coupon{ID: id, Description: "promo", DiscountAmount: 100, Stock: 7, Status: model.CouponStatusOpen}, nil
		},
	}
	q := &mockQueue{
		sizeFn: func(ctx context.Context, couponID int64) (int64, error) {
			assert.Equal(t, int64(3), couponID)
			return 12, nil
		},
	}

	svc := NewCouponService(nil, mockCouponRepo, q, testGuard())
	resp, err := svc.Get(context.Background(), 3)

	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.ID)
	assert.Equal(t, 7, resp.Stock)
	assert.Equal(t, int64(12), resp.QueueSize)
}

func TestCouponService_Get_NotFound(t *testing.T) {
	svc := NewCouponService(nil, &mockCouponRepository{}, &mockQueue{}, testGuard())

	_, err := svc.Get(context.Background(), 3)

	assert.True(t, errors.Is(err, ErrCouponNotFound))
}

func TestCouponService_Get_QueueError(t *testing.T) {
	mockCouponRepo := &mockCouponRepository{
		getByIDFn: func(ctx context.Context, id int64) (*model.Coupon, error) {
			return &model.Coupon{ID: id, Status: model.CouponStatusOpen}, nil
		},
	}
	q := &mockQueue{
		sizeFn: func(ctx context.Context, couponID int64) (int64, error) {
			return 0, errors.New("redis down")
		},
	}

	svc := NewCouponService(nil, mockCouponRepo, q, testGuard())
	_, err := svc.Get(context.Background(), 3)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "get queue size")
}

// mockTx is a mock implementation of pgx.Tx for testing transactions.
type mockTx struct {
	commitFn   func(ctx context.Context) error
	rollbackFn func(ctx context.Context) error
}

func (m *mockTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (m *mockTx) Commit(ctx context.Context) error {
	if m.commitFn != nil {
		return m.commitFn(ctx)
	}
	return nil
}

func (m *mockTx) Rollback(ctx context.Context) error {
	if m.rollbackFn != nil {
		return m.rollbackFn(ctx)
	}
	return nil
}

func (m *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (m *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return nil
}

func (m *mockTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (m *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (m *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (m *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (m *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (m *mockTx) Conn() *pgx.Conn {
	return nil
}

// mockTxBeginner is a mock implementation of TxBeginner.
type mockTxBeginner struct {
	beginFn func(ctx context.Context) (pgx.Tx, error)
}

func (m *mockTxBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginFn != nil {
		return m.beginFn(ctx)
	}
	return &mockTx{}, nil
}

func TestCouponService_Close_Success(t *testing.T) {
	committed := false
	tx := &mockTx{
		commitFn: func(ctx context.Context) error {
			committed = true
			return nil
		},
	}
	mockPool := &mockTxBeginner{
		beginFn: func(ctx context.Context) (pgx.Tx, error) {
			return tx, nil
		},
	}
	var saved *model.Coupon
	mockCouponRepo := &mockCouponRepository{
		getForUpdateFn: func(ctx context.Context, q database.TxQuerier, id int64) (*model.Coupon, error) {
			assert.Same(t, tx, q, "row must be locked inside the transaction")
			return &model.Coupon{ID: id, Stock: 50, Status: model.CouponStatusOpen}, nil
		},
		saveFn: func(ctx context.Context, q database.TxQuerier, coupon *model.Coupon) error {
			saved = coupon
			return nil
		},
	}

	svc := NewCouponServiceWithTxBeginner(mockPool, mockCouponRepo, &mockQueue{}, testGuard())
	coupon, err := svc.Close(context.Background(), 9)

	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, model.CouponStatusClosed, coupon.Status)
	assert.Equal(t, 50, saved.Stock, "closing must not touch stock")
}

func TestCouponService_Close_NotFound(t *testing.T) {
	rollbackCalled := false
	tx := &mockTx{
		rollbackFn: func(ctx context.Context) error {
			rollbackCalled = true
			return nil
		},
	}
	mockPool := &mockTxBeginner{
		beginFn: func(ctx context.Context) (pgx.Tx, error) {
			return tx, nil
		},
	}

	svc := NewCouponServiceWithTxBeginner(mockPool, &mockCouponRepository{}, &mockQueue{}, testGuard())
	_, err := svc.Close(context.Background(), 9)

	assert.True(t, errors.Is(err, ErrCouponNotFound))
	assert.True(t, rollbackCalled, "transaction should be rolled back")
}

func TestCouponService_Close_BeginError(t *testing.T) {
	mockPool := &mockTxBeginner{
		beginFn: func(ctx context.Context) (pgx.Tx, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewCouponServiceWithTxBeginner(mockPool, &mockCouponRepository{}, &mockQueue{}, testGuard())
	_, err := svc.Close(context.Background(), 9)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestCouponService_Close_LockHeld(t *testing.T) {
	guard := testGuard()
	guard.WaitTimeout = 20 * time.Millisecond

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = guard.Manager.WithLock(context.Background(), lock.CouponKey(9), time.Second, 5*time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	svc := NewCouponServiceWithTxBeginner(&mockTxBeginner{}, &mockCouponRepository{}, &mockQueue{}, guard)
	_, err := svc.Close(context.Background(), 9)

	assert.ErrorIs(t, err, lock.ErrAcquisitionFailed)
}

func TestCouponService_Close_CommitError(t *testing.T) {
	tx := &mockTx{
		commitFn: func(ctx context.Context) error {
			return errors.New("commit failed")
		},
	}
	mockPool := &mockTxBeginner{
		beginFn: func(ctx context.Context) (pgx.Tx, error) {
			return tx, nil
		},
	}
	mockCouponRepo := &mockCouponRepository{
		getForUpdateFn: func(ctx context.Context, q database.TxQuerier, id int64) (*model.Coupon, error) {
			return &model.Coupon{ID: id, Status: model.CouponStatusOpen}, nil
		},
	}

	svc := NewCouponServiceWithTxBeginner(mockPool, mockCouponRepo, &mockQueue{}, testGuard())
	_, err := svc.Close(context.Background(), 9)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
}
