package issuance

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/model"
	"github.com/fairyhunter13/coupon-issuance-pipeline/internal/service"
	"github.com/fairyhunter13/coupon-issuance-pipeline/pkg/database"
)

type pair struct{ userID, couponID int64 }

// fakeDB is an in-memory stand-in for the coupons and user_coupons tables.
// Writes made through a fakeTx become visible only on Commit.
type fakeDB struct {
	mu      sync.Mutex
	coupons map[int64]model.Coupon
	issued  map[pair]model.UserCoupon
	nextID  int64

	beginErr  error
	saveErr   error
	commitErr error
	// hideIssued makes ExistsForTx miss, so the unique index has to catch duplicates.
	hideIssued bool
	panicOnGet bool
}

func newFakeDB(coupons ...model.Coupon) *fakeDB {
	db := &fakeDB{coupons: map[int64]model.Coupon{}, issued: map[pair]model.UserCoupon{}}
	for _, c := range coupons {
		db.coupons[c.ID] = c
	}
	return db
}

func (db *fakeDB) coupon(id int64) model.Coupon {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.coupons[id]
}

func (db *fakeDB) issuedCount(couponID int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for k := range db.issued {
		if k.couponID == couponID {
			n++
		}
	}
	return n
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return &fakeTx{db: db}, nil
}

func (db *fakeDB) GetForUpdate(ctx context.Context, tx database.TxQuerier, id int64) (*model.Coupon, error) {
	if db.panicOnGet {
		panic("driver exploded")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.coupons[id]
	if !ok {
		return nil, service.ErrCouponNotFound
	}
	return &c, nil
}

func (db *fakeDB) Save(ctx context.Context, tx database.TxQuerier, coupon *model.Coupon) error {
	if db.saveErr != nil {
		return db.saveErr
	}
	t := tx.(*fakeTx)
	c := *coupon
	t.coupon = &c
	return nil
}

func (db *fakeDB) ExistsForTx(ctx context.Context, tx database.TxQuerier, userID, couponID int64) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.hideIssued {
		return false, nil
	}
	_, ok := db.issued[pair{userID, couponID}]
	return ok, nil
}

func (db *fakeDB) Insert(ctx context.Context, tx database.TxQuerier, uc *model.UserCoupon) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.issued[pair{uc.UserID, uc.CouponID}]; ok {
		return service.ErrDuplicateIssuance
	}
	t := tx.(*fakeTx)
	db.nextID++
	uc.ID = db.nextID
	t.userCoupon = uc
	return nil
}

type fakeTx struct {
	db         *fakeDB
	coupon     *model.Coupon
	userCoupon *model.UserCoupon
	done       bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.db.commitErr != nil {
		return t.db.commitErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	if t.coupon != nil {
		t.db.coupons[t.coupon.ID] = *t.coupon
	}
	if t.userCoupon != nil {
		t.db.issued[pair{t.userCoupon.UserID, t.userCoupon.CouponID}] = *t.userCoupon
	}
	t.done = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }

func (t *fakeTx) Conn() *pgx.Conn { return nil }
