package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mj2154/tickbus/pkg/models"
	"github.com/mj2154/tickbus/pkg/pagination"
	"github.com/mj2154/tickbus/pkg/testutil"
)

func TestCreateAlertConfig(t *testing.T) {
	t.Run("rejects incomplete config", func(t *testing.T) {
		s, mock := newMockStore(t)

		err := s.CreateAlertConfig(context.Background(), &models.AlertConfig{Name: "no-symbol"})
		if err == nil {
			t.Fatal("expected validation error")
		}
		expectationsMet(t, mock)
	})

	t.Run("assigns id and returns timestamps", func(t *testing.T) {
		s, mock := newMockStore(t)
		fixtures := testutil.NewDatabaseFixtures()

		cfg := fixtures.AlertConfigValid()
		cfg.ID = ""
		now := time.Now()

		mock.ExpectQuery(`INSERT INTO alert_configs`).
			WithArgs(sqlmock.AnyArg(), cfg.Name, cfg.Symbol, cfg.Interval,
				cfg.Strategy, cfg.Enabled, cfg.Config).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

		if err := s.CreateAlertConfig(context.Background(), cfg); err != nil {
			t.Fatalf("CreateAlertConfig: %v", err)
		}
		if cfg.ID == "" {
			t.Fatal("expected an assigned id")
		}
		if !cfg.CreatedAt.Equal(now) || !cfg.UpdatedAt.Equal(now) {
			t.Fatal("expected database timestamps on the config")
		}
		expectationsMet(t, mock)
	})
}

func TestUpdateAlertConfig(t *testing.T) {
	t.Run("updates existing config", func(t *testing.T) {
		s, mock := newMockStore(t)
		fixtures := testutil.NewDatabaseFixtures()

		cfg := fixtures.AlertConfigValid()
		created := cfg.CreatedAt
		updated := time.Now()

		mock.ExpectQuery(`UPDATE alert_configs SET`).
			WithArgs(cfg.ID, cfg.Name, cfg.Symbol, cfg.Interval,
				cfg.Strategy, cfg.Enabled, cfg.Config).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, updated))

		if err := s.UpdateAlertConfig(context.Background(), cfg); err != nil {
			t.Fatalf("UpdateAlertConfig: %v", err)
		}
		if !cfg.UpdatedAt.Equal(updated) {
			t.Fatal("expected refreshed updated_at")
		}
		expectationsMet(t, mock)
	})

	t.Run("unknown id", func(t *testing.T) {
		s, mock := newMockStore(t)
		fixtures := testutil.NewDatabaseFixtures()

		cfg := fixtures.AlertConfigValid()
		mock.ExpectQuery(`UPDATE alert_configs SET`).
			WithArgs(cfg.ID, cfg.Name, cfg.Symbol, cfg.Interval,
				cfg.Strategy, cfg.Enabled, cfg.Config).
			WillReturnError(sql.ErrNoRows)

		err := s.UpdateAlertConfig(context.Background(), cfg)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		expectationsMet(t, mock)
	})
}

func TestSetAlertConfigEnabled(t *testing.T) {
	s, mock := newMockStore(t)
	fixtures := testutil.NewDatabaseFixtures()

	cfg := fixtures.AlertConfigValid()
	cfg.Enabled = false
	rows := sqlmock.NewRows(fixtures.GetAlertConfigColumns()).
		AddRow(fixtures.GetAlertConfigRowData(cfg)...)

	mock.ExpectQuery(`UPDATE alert_configs SET enabled = \$2`).
		WithArgs(cfg.ID, false).
		WillReturnRows(rows)

	got, err := s.SetAlertConfigEnabled(context.Background(), cfg.ID, false)
	if err != nil {
		t.Fatalf("SetAlertConfigEnabled: %v", err)
	}
	if got.Enabled {
		t.Fatal("expected disabled config")
	}
	expectationsMet(t, mock)
}

func TestDeleteAlertConfig(t *testing.T) {
	t.Run("deletes config", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectExec(`DELETE FROM alert_configs WHERE id = \$1`).
			WithArgs("cfg-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := s.DeleteAlertConfig(context.Background(), "cfg-1"); err != nil {
			t.Fatalf("DeleteAlertConfig: %v", err)
		}
		expectationsMet(t, mock)
	})

	t.Run("unknown id", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectExec(`DELETE FROM alert_configs WHERE id = \$1`).
			WithArgs("cfg-9").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.DeleteAlertConfig(context.Background(), "cfg-9")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		expectationsMet(t, mock)
	})
}

func TestGetAlertConfig(t *testing.T) {
	s, mock := newMockStore(t)
	fixtures := testutil.NewDatabaseFixtures()

	cfg := fixtures.AlertConfigValid()
	rows := sqlmock.NewRows(fixtures.GetAlertConfigColumns()).
		AddRow(fixtures.GetAlertConfigRowData(cfg)...)

	mock.ExpectQuery(`FROM alert_configs WHERE id = \$1`).
		WithArgs(cfg.ID).
		WillReturnRows(rows)

	got, err := s.GetAlertConfig(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("GetAlertConfig: %v", err)
	}
	if got.Strategy != cfg.Strategy {
		t.Fatalf("strategy = %s, want %s", got.Strategy, cfg.Strategy)
	}
	if got.Config["fast"] != float64(9) {
		t.Fatalf("config = %#v", got.Config)
	}
	expectationsMet(t, mock)
}

func TestListAlertConfigs(t *testing.T) {
	s, mock := newMockStore(t)
	fixtures := testutil.NewDatabaseFixtures()

	first := fixtures.AlertConfigValid()
	second := fixtures.AlertConfigValid()
	second.ID = "11111111-2222-3333-4444-555555555556"
	second.Name = "eth-hourly-cross"
	second.Symbol = "ETHUSDT"

	rows := sqlmock.NewRows(fixtures.GetAlertConfigColumns()).
		AddRow(fixtures.GetAlertConfigRowData(first)...).
		AddRow(fixtures.GetAlertConfigRowData(second)...)

	mock.ExpectQuery(`FROM alert_configs ORDER BY created_at, id`).
		WillReturnRows(rows)

	configs, err := s.ListAlertConfigs(context.Background())
	if err != nil {
		t.Fatalf("ListAlertConfigs: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
	if configs[1].Symbol != "ETHUSDT" {
		t.Fatalf("unexpected symbol: %s", configs[1].Symbol)
	}
	expectationsMet(t, mock)
}

func signalRow(id string, createdAt time.Time) []driver.Value {
	return []driver.Value{
		id, "99999999-8888-7777-6666-555555555555", "BTCUSDT", "60",
		"BUY", []byte(`{"price":"50100.00"}`), createdAt,
	}
}

func TestListSignals(t *testing.T) {
	signalColumns := []string{"id", "alert_id", "symbol", "interval", "signal_type", "payload", "created_at"}

	t.Run("first page with more available", func(t *testing.T) {
		s, mock := newMockStore(t)

		base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		rows := sqlmock.NewRows(signalColumns).
			AddRow(signalRow("sig-3", base.Add(2*time.Minute))...).
			AddRow(signalRow("sig-2", base.Add(time.Minute))...).
			AddRow(signalRow("sig-1", base)...)

		// Limit 2 fetches 3 rows; the extra row proves a next page.
		mock.ExpectQuery(`FROM strategy_signals ORDER BY created_at DESC, id DESC LIMIT \$1`).
			WithArgs(3).
			WillReturnRows(rows)

		signals, page, err := s.ListSignals(context.Background(), "", &pagination.Params{Limit: 2})
		if err != nil {
			t.Fatalf("ListSignals: %v", err)
		}
		if len(signals) != 2 {
			t.Fatalf("expected 2 signals, got %d", len(signals))
		}
		if !page.HasMore {
			t.Fatal("expected HasMore")
		}
		cursor, err := pagination.DecodeCursor(page.EndCursor)
		if err != nil {
			t.Fatalf("decode end cursor: %v", err)
		}
		if cursor.ID != "sig-2" {
			t.Fatalf("end cursor id = %s, want sig-2", cursor.ID)
		}
		expectationsMet(t, mock)
	})

	t.Run("filtered and cursored", func(t *testing.T) {
		s, mock := newMockStore(t)

		base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		rows := sqlmock.NewRows(signalColumns).
			AddRow(signalRow("sig-1", base)...)

		cursor := &pagination.Cursor{Timestamp: base.Add(time.Minute), ID: "sig-2"}
		mock.ExpectQuery(`WHERE alert_id = \$1 AND \(created_at, id\) < \(\$2, \$3\)`).
			WithArgs("99999999-8888-7777-6666-555555555555", cursor.Timestamp, "sig-2", 51).
			WillReturnRows(rows)

		signals, page, err := s.ListSignals(context.Background(),
			"99999999-8888-7777-6666-555555555555",
			&pagination.Params{Limit: 50, Cursor: cursor})
		if err != nil {
			t.Fatalf("ListSignals: %v", err)
		}
		if len(signals) != 1 {
			t.Fatalf("expected 1 signal, got %d", len(signals))
		}
		if page.HasMore {
			t.Fatal("expected final page")
		}
		expectationsMet(t, mock)
	})

	t.Run("empty result", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectQuery(`FROM strategy_signals ORDER BY created_at DESC, id DESC LIMIT \$1`).
			WithArgs(51).
			WillReturnRows(sqlmock.NewRows(signalColumns))

		signals, page, err := s.ListSignals(context.Background(), "", &pagination.Params{Limit: 50})
		if err != nil {
			t.Fatalf("ListSignals: %v", err)
		}
		if len(signals) != 0 || page.HasMore || page.EndCursor != "" {
			t.Fatalf("expected empty page, got %d signals %#v", len(signals), page)
		}
		expectationsMet(t, mock)
	})
}

func TestListStrategyMetadata(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"strategy_id", "name", "description", "params", "updated_at"}).
		AddRow("ma_cross", "Moving Average Cross", "Fast over slow crossover",
			[]byte(`{"fast":{"type":"int","default":9}}`), now).
		AddRow("rsi_bands", "RSI Bands", "Overbought and oversold levels",
			[]byte(`{"period":{"type":"int","default":14}}`), now)

	mock.ExpectQuery(`FROM strategy_metadata\s+ORDER BY strategy_id`).
		WillReturnRows(rows)

	metas, err := s.ListStrategyMetadata(context.Background())
	if err != nil {
		t.Fatalf("ListStrategyMetadata: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 strategies, got %d", len(metas))
	}
	if metas[0].StrategyID != "ma_cross" {
		t.Fatalf("unexpected strategy: %s", metas[0].StrategyID)
	}
	expectationsMet(t, mock)
}
