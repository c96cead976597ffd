package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/mj2154/tickbus/pkg/models"
)

func TestUpsertAccountState(t *testing.T) {
	s, mock := newMockStore(t)

	account := models.NewAccount("BINANCE:SPOT", models.MarketSpot)
	account.Balances["BTC"] = models.Balance{
		Asset: "BTC",
		Free:  decimal.RequireFromString("0.5"),
	}
	account.EventTime = 1700000000500
	account.Snapshot = true

	body, err := json.Marshal(account)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mock.ExpectExec(`INSERT INTO account_state`).
		WithArgs("BINANCE:SPOT", body, int64(1700000000500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertAccountState(context.Background(), "BINANCE:SPOT", account, account.EventTime); err != nil {
		t.Fatalf("UpsertAccountState: %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetAccountState(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)

		rows := sqlmock.NewRows([]string{"account_key", "payload", "event_time", "updated_at"}).
			AddRow("BINANCE:FUTURES", []byte(`{"market_type":"FUTURES"}`), int64(1700000000999), time.Now())
		mock.ExpectQuery(`FROM account_state\s+WHERE account_key = \$1`).
			WithArgs("BINANCE:FUTURES").
			WillReturnRows(rows)

		state, err := s.GetAccountState(context.Background(), "BINANCE:FUTURES")
		if err != nil {
			t.Fatalf("GetAccountState: %v", err)
		}
		if state.EventTime != 1700000000999 {
			t.Fatalf("event_time = %d", state.EventTime)
		}
		if state.Payload["market_type"] != "FUTURES" {
			t.Fatalf("payload = %#v", state.Payload)
		}
		expectationsMet(t, mock)
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectQuery(`FROM account_state`).
			WithArgs("BINANCE:SPOT").
			WillReturnError(sql.ErrNoRows)

		_, err := s.GetAccountState(context.Background(), "BINANCE:SPOT")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		expectationsMet(t, mock)
	})
}
