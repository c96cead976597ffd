package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mj2154/tickbus/pkg/models"
)

// ReplaceExchangeInfo swaps the full symbol table for one
// (exchange, market type) pair in a single transaction. Symbols the
// exchange no longer lists disappear; everything else is upserted.
func (s *Store) ReplaceExchangeInfo(ctx context.Context, exchange, marketType string, symbols []models.SymbolInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM exchange_info WHERE exchange = $1 AND market_type = $2`,
		exchange, marketType,
	); err != nil {
		return fmt.Errorf("clear exchange info %s/%s: %w", exchange, marketType, err)
	}

	query := `
		INSERT INTO exchange_info (exchange, market_type, symbol, base_asset, quote_asset, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range symbols {
		sym := &symbols[i]
		if _, err := stmt.ExecContext(ctx,
			exchange, marketType, sym.Symbol,
			sym.BaseAsset, sym.QuoteAsset, sym.Status, sym.Payload,
		); err != nil {
			return fmt.Errorf("insert exchange info %s/%s/%s: %w", exchange, marketType, sym.Symbol, err)
		}
	}
	return tx.Commit()
}

// GetSymbol fetches one instrument's metadata.
func (s *Store) GetSymbol(ctx context.Context, exchange, marketType, symbol string) (*models.SymbolInfo, error) {
	query := `
		SELECT exchange, market_type, symbol, base_asset, quote_asset, status, payload, updated_at
		FROM exchange_info
		WHERE exchange = $1 AND market_type = $2 AND symbol = $3
	`
	var info models.SymbolInfo
	err := s.db.QueryRowContext(ctx, query, exchange, marketType, symbol).Scan(
		&info.Exchange, &info.MarketType, &info.Symbol,
		&info.BaseAsset, &info.QuoteAsset, &info.Status, &info.Payload, &info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get symbol %s/%s/%s: %w", exchange, marketType, symbol, err)
	}
	return &info, nil
}

// SearchSymbols matches instruments by symbol or asset prefix,
// case-insensitive.
func (s *Store) SearchSymbols(ctx context.Context, exchange, marketType, term string, limit int) ([]models.SymbolInfo, error) {
	query := `
		SELECT exchange, market_type, symbol, base_asset, quote_asset, status, payload, updated_at
		FROM exchange_info
		WHERE exchange = $1 AND market_type = $2
		  AND (symbol ILIKE $3 OR base_asset ILIKE $3 OR quote_asset ILIKE $3)
		ORDER BY symbol
		LIMIT $4
	`
	rows, err := s.db.QueryContext(ctx, query, exchange, marketType, term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search symbols %q: %w", term, err)
	}
	defer rows.Close()

	var symbols []models.SymbolInfo
	for rows.Next() {
		var info models.SymbolInfo
		if err := rows.Scan(
			&info.Exchange, &info.MarketType, &info.Symbol,
			&info.BaseAsset, &info.QuoteAsset, &info.Status, &info.Payload, &info.UpdatedAt,
		); err != nil {
			return nil, err
		}
		symbols = append(symbols, info)
	}
	return symbols, rows.Err()
}

// CountSymbols reports how many instruments the table holds for one
// (exchange, market type) pair. Zero means the metadata task has not
// run yet and local resolution must fall through to the upstream.
func (s *Store) CountSymbols(ctx context.Context, exchange, marketType string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM exchange_info WHERE exchange = $1 AND market_type = $2`,
		exchange, marketType,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count symbols %s/%s: %w", exchange, marketType, err)
	}
	return count, nil
}
