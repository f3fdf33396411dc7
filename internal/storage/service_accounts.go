package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kairos/internal/model"
)

// CreateServiceAccount inserts a service account.
func (db *DB) CreateServiceAccount(ctx context.Context, acct model.ServiceAccount) (model.ServiceAccount, error) {
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO service_accounts (id, service_id, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		acct.ID, acct.ServiceID, string(acct.Role), acct.APIKeyHash, acct.CreatedAt,
	)
	if err != nil {
		return model.ServiceAccount{}, fmt.Errorf("storage: create service account: %w", classify(err))
	}
	return acct, nil
}

// GetServiceAccount looks up a service account by its service ID.
// Returns ErrNotFound if none exists.
func (db *DB) GetServiceAccount(ctx context.Context, serviceID string) (model.ServiceAccount, error) {
	var a model.ServiceAccount
	err := db.pool.QueryRow(ctx,
		`SELECT id, service_id, role, api_key_hash, created_at
		 FROM service_accounts WHERE service_id = $1`, serviceID,
	).Scan(&a.ID, &a.ServiceID, &a.Role, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ServiceAccount{}, ErrNotFound
		}
		return model.ServiceAccount{}, fmt.Errorf("storage: get service account: %w", classify(err))
	}
	return a, nil
}

// CountServiceAccounts returns the number of service accounts.
func (db *DB) CountServiceAccounts(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM service_accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count service accounts: %w", classify(err))
	}
	return n, nil
}
