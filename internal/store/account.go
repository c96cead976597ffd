package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mj2154/tickbus/pkg/models"
)

// UpsertAccountState persists the latest materialized account. Writes
// are last-writer-wins on event_time so a delayed snapshot cannot roll
// back a newer incremental.
func (s *Store) UpsertAccountState(ctx context.Context, accountKey string, payload interface{}, eventTime int64) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal account state for %s: %w", accountKey, err)
	}
	query := `
		INSERT INTO account_state (account_key, payload, event_time, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_key) DO UPDATE SET
			payload    = EXCLUDED.payload,
			event_time = EXCLUDED.event_time,
			updated_at = NOW()
		WHERE account_state.event_time <= EXCLUDED.event_time
	`
	if _, err := s.db.ExecContext(ctx, query, accountKey, body, eventTime); err != nil {
		return fmt.Errorf("upsert account state %s: %w", accountKey, err)
	}
	return nil
}

// GetAccountState reads the persisted account row.
func (s *Store) GetAccountState(ctx context.Context, accountKey string) (*models.AccountState, error) {
	query := `
		SELECT account_key, payload, event_time, updated_at
		FROM account_state
		WHERE account_key = $1
	`
	var state models.AccountState
	err := s.db.QueryRowContext(ctx, query, accountKey).Scan(
		&state.AccountKey, &state.Payload, &state.EventTime, &state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account state %s: %w", accountKey, err)
	}
	return &state, nil
}
