package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepository answers whether a user may take part in issuance.
type UserRepository struct {
	pool PoolInterface
}

// NewUserRepository creates a new UserRepository with the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// NewUserRepositoryWithPool creates a new UserRepository with a custom pool interface.
func NewUserRepositoryWithPool(pool PoolInterface) *UserRepository {
	return &UserRepository{pool: pool}
}

// IsActive reports whether the user exists and is active. Unknown users are inactive.
func (r *UserRepository) IsActive(ctx context.Context, userID int64) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT active FROM users WHERE id = $1`, userID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check user %d active: %w", userID, err)
	}
	return active, nil
}
