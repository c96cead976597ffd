package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mj2154/tickbus/pkg/models"
	"github.com/mj2154/tickbus/pkg/pagination"
)

// Alert configs and strategy signals. The gateway owns the config CRUD;
// the signal engine evaluating configs against closed bars is a separate
// deployment writing to the same tables. Triggers publish alert_config.*
// on config changes and signal.new on appended signals.

const alertConfigColumns = `id, name, symbol, interval, strategy, enabled, config, created_at, updated_at`

// CreateAlertConfig inserts a new config, assigning an id when the
// caller left it empty. Timestamps come back from the database.
func (s *Store) CreateAlertConfig(ctx context.Context, cfg *models.AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Config == nil {
		cfg.Config = models.JSONB{}
	}
	query := `
		INSERT INTO alert_configs (id, name, symbol, interval, strategy, enabled, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		cfg.ID, cfg.Name, cfg.Symbol, cfg.Interval, cfg.Strategy, cfg.Enabled, cfg.Config,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create alert config %s: %w", cfg.Name, err)
	}
	return nil
}

// UpdateAlertConfig rewrites an existing config in full.
func (s *Store) UpdateAlertConfig(ctx context.Context, cfg *models.AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	query := `
		UPDATE alert_configs SET
			name       = $2,
			symbol     = $3,
			interval   = $4,
			strategy   = $5,
			enabled    = $6,
			config     = $7,
			updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		cfg.ID, cfg.Name, cfg.Symbol, cfg.Interval, cfg.Strategy, cfg.Enabled, cfg.Config,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update alert config %s: %w", cfg.ID, err)
	}
	return nil
}

// SetAlertConfigEnabled flips only the enabled flag and returns the
// updated config.
func (s *Store) SetAlertConfigEnabled(ctx context.Context, id string, enabled bool) (*models.AlertConfig, error) {
	query := `
		UPDATE alert_configs SET enabled = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + alertConfigColumns
	cfg, err := scanAlertConfig(s.db.QueryRowContext(ctx, query, id, enabled))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set alert config %s enabled=%t: %w", id, enabled, err)
	}
	return cfg, nil
}

// DeleteAlertConfig removes a config. The delete trigger tells the
// signal engine to stop evaluating it.
func (s *Store) DeleteAlertConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete alert config %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlertConfig fetches one config by id.
func (s *Store) GetAlertConfig(ctx context.Context, id string) (*models.AlertConfig, error) {
	query := `SELECT ` + alertConfigColumns + ` FROM alert_configs WHERE id = $1`
	cfg, err := scanAlertConfig(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert config %s: %w", id, err)
	}
	return cfg, nil
}

// ListAlertConfigs returns every config, oldest first.
func (s *Store) ListAlertConfigs(ctx context.Context) ([]models.AlertConfig, error) {
	query := `SELECT ` + alertConfigColumns + ` FROM alert_configs ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list alert configs: %w", err)
	}
	defer rows.Close()

	var configs []models.AlertConfig
	for rows.Next() {
		cfg, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlertConfig(row rowScanner) (*models.AlertConfig, error) {
	var cfg models.AlertConfig
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Symbol, &cfg.Interval, &cfg.Strategy,
		&cfg.Enabled, &cfg.Config, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

var signalKeyset = &pagination.KeysetBuilder{TimestampColumn: "created_at", IDColumn: "id"}

// ListSignals returns fired signals newest first, keyset-paginated,
// optionally filtered to one alert.
func (s *Store) ListSignals(ctx context.Context, alertID string, params *pagination.Params) ([]models.Signal, pagination.Page, error) {
	var (
		where []string
		args  []interface{}
		idx   = 1
	)
	if alertID != "" {
		where = append(where, fmt.Sprintf("alert_id = $%d", idx))
		args = append(args, alertID)
		idx++
	}
	if cond, condArgs := signalKeyset.Condition(params, idx); cond != "" {
		where = append(where, cond)
		args = append(args, condArgs...)
		idx += len(condArgs)
	}

	query := `SELECT id, alert_id, symbol, interval, signal_type, payload, created_at FROM strategy_signals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " " + signalKeyset.OrderBy()
	// Fetch one extra row to learn whether a next page exists.
	query += fmt.Sprintf(" LIMIT $%d", idx)
	args = append(args, params.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pagination.Page{}, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		var sig models.Signal
		if err := rows.Scan(
			&sig.ID, &sig.AlertID, &sig.Symbol, &sig.Interval,
			&sig.SignalType, &sig.Payload, &sig.CreatedAt,
		); err != nil {
			return nil, pagination.Page{}, err
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, pagination.Page{}, err
	}

	fetched := len(signals)
	if fetched > params.Limit {
		signals = signals[:params.Limit]
	}
	var endCursor string
	if len(signals) > 0 {
		last := signals[len(signals)-1]
		endCursor = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}
	return signals, pagination.BuildPage(fetched, params.Limit, endCursor), nil
}

// ListStrategyMetadata returns the strategy catalog the signal engine
// published, for clients to render configuration forms from.
func (s *Store) ListStrategyMetadata(ctx context.Context) ([]models.StrategyMetadata, error) {
	query := `
		SELECT strategy_id, name, description, params, updated_at
		FROM strategy_metadata
		ORDER BY strategy_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list strategy metadata: %w", err)
	}
	defer rows.Close()

	var metas []models.StrategyMetadata
	for rows.Next() {
		var meta models.StrategyMetadata
		if err := rows.Scan(
			&meta.StrategyID, &meta.Name, &meta.Description, &meta.Params, &meta.UpdatedAt,
		); err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}
