// Package store is the storage surface of the event bus. Every mutation
// that other components must observe goes through here so the schema's
// row triggers fire; nothing writes around a trigger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mj2154/tickbus/pkg/models"
)

var (
	// ErrNotFound is returned when a query matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrTaskNotClaimed is returned when a worker tries to finish a task
	// it does not hold.
	ErrTaskNotClaimed = errors.New("task not claimed by this worker")
)

// Store wraps the coordination database.
type Store struct {
	db          *sql.DB
	maxAttempts int
}

// New creates a store on an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, maxAttempts: models.MaxTaskAttempts}
}

// SetMaxTaskAttempts overrides the claim budget tasks get before a
// transient failure becomes terminal. Values below one are ignored.
func (s *Store) SetMaxTaskAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Notify publishes an ad hoc notification on a channel. Row changes
// notify through triggers; this is for control events that have no row,
// such as the registry resync signal.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// LiveRow is the current state of one subscription key.
type LiveRow struct {
	Key       string
	Payload   models.JSONB
	EventTime int64
	IsClosed  bool
}

// UpsertLiveRow writes the latest datum for a key. The routing trigger
// turns this single write into the live-tick notification and, for a
// sealing bar, the archive insert plus close notification plus row
// delete, all in this statement's transaction.
func (s *Store) UpsertLiveRow(ctx context.Context, key string, payload interface{}, eventTime int64, isClosed bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal live payload for %s: %w", key, err)
	}
	query := `
		INSERT INTO realtime_data (key, payload, event_time, is_closed, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE SET
			payload    = EXCLUDED.payload,
			event_time = EXCLUDED.event_time,
			is_closed  = EXCLUDED.is_closed,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, key, body, eventTime, isClosed); err != nil {
		return fmt.Errorf("upsert live row %s: %w", key, err)
	}
	return nil
}

// GetLiveRow fetches the current row for a key.
func (s *Store) GetLiveRow(ctx context.Context, key string) (*LiveRow, error) {
	query := `
		SELECT key, payload, event_time, is_closed
		FROM realtime_data
		WHERE key = $1
	`
	var row LiveRow
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&row.Key, &row.Payload, &row.EventTime, &row.IsClosed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// KlineHistory reads archived bars for a window, oldest first.
func (s *Store) KlineHistory(ctx context.Context, symbol, interval string, from, to int64, limit int) ([]models.Kline, error) {
	query := `
		SELECT symbol, interval, open_time, close_time,
		       open, high, low, close,
		       volume, quote_volume, trade_count
		FROM klines_history
		WHERE symbol = $1 AND interval = $2
		  AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC
		LIMIT $5
	`
	rows, err := s.db.QueryContext(ctx, query, symbol, interval, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []models.Kline
	for rows.Next() {
		var (
			k           models.Kline
			quoteVolume sql.NullString
			tradeCount  sql.NullInt64
		)
		if err := rows.Scan(
			&k.Symbol, &k.Interval, &k.OpenTime, &k.CloseTime,
			&k.Open, &k.High, &k.Low, &k.Close,
			&k.Volume, &quoteVolume, &tradeCount,
		); err != nil {
			return nil, err
		}
		if quoteVolume.Valid {
			if err := k.QuoteVolume.Scan(quoteVolume.String); err != nil {
				return nil, fmt.Errorf("scan quote_volume for %s: %w", k.Symbol, err)
			}
		}
		k.TradeCount = tradeCount.Int64
		k.IsClosed = true
		bars = append(bars, k)
	}
	return bars, rows.Err()
}

// BackfillKlines writes historical bars straight into the archive. The
// history table carries no trigger, so a backfill produces no
// notifications and replaying it is a no-op.
func (s *Store) BackfillKlines(ctx context.Context, bars []models.Kline) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO klines_history (
			symbol, interval, open_time,
			open, high, low, close, volume,
			close_time, quote_volume, trade_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			open         = EXCLUDED.open,
			high         = EXCLUDED.high,
			low          = EXCLUDED.low,
			close        = EXCLUDED.close,
			volume       = EXCLUDED.volume,
			close_time   = EXCLUDED.close_time,
			quote_volume = EXCLUDED.quote_volume,
			trade_count  = EXCLUDED.trade_count
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range bars {
		k := &bars[i]
		if err := k.Validate(); err != nil {
			return fmt.Errorf("backfill bar %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx,
			k.Symbol, k.Interval, k.OpenTime,
			k.Open, k.High, k.Low, k.Close, k.Volume,
			k.CloseTime, k.QuoteVolume, k.TradeCount,
		); err != nil {
			return fmt.Errorf("backfill %s/%s@%d: %w", k.Symbol, k.Interval, k.OpenTime, err)
		}
	}
	return tx.Commit()
}
