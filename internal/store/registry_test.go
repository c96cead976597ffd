package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

const (
	testSession = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	testKey     = "BINANCE:BTCUSDT@KLINE_60"
)

func TestAcquire(t *testing.T) {
	tests := []struct {
		name           string
		count          int
		inserted       bool
		wantRefs       int
		wantTransition bool
	}{
		{"first holder", 1, true, 1, true},
		{"second holder", 2, true, 2, false},
		{"already held", 1, false, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)

			rows := sqlmock.NewRows([]string{"count", "inserted"}).
				AddRow(tt.count, tt.inserted)
			mock.ExpectQuery(`INSERT INTO subscriptions`).
				WithArgs(testSession, testKey).
				WillReturnRows(rows)

			res, err := s.Acquire(context.Background(), testSession, testKey)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if res.RefCount != tt.wantRefs {
				t.Errorf("RefCount = %d, want %d", res.RefCount, tt.wantRefs)
			}
			if res.TransitionedFromZero != tt.wantTransition {
				t.Errorf("TransitionedFromZero = %v, want %v", res.TransitionedFromZero, tt.wantTransition)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name           string
		count          int
		deleted        bool
		wantRefs       int
		wantTransition bool
	}{
		{"last holder", 0, true, 0, true},
		{"other holders remain", 1, true, 1, false},
		{"not held", 2, false, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)

			rows := sqlmock.NewRows([]string{"count", "deleted"}).
				AddRow(tt.count, tt.deleted)
			mock.ExpectQuery(`DELETE FROM subscriptions\s+WHERE session_id = \$1 AND key = \$2`).
				WithArgs(testSession, testKey).
				WillReturnRows(rows)

			res, err := s.Release(context.Background(), testSession, testKey)
			if err != nil {
				t.Fatalf("Release: %v", err)
			}
			if res.RefCount != tt.wantRefs {
				t.Errorf("RefCount = %d, want %d", res.RefCount, tt.wantRefs)
			}
			if res.TransitionedToZero != tt.wantTransition {
				t.Errorf("TransitionedToZero = %v, want %v", res.TransitionedToZero, tt.wantTransition)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestReleaseAll(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"key"}).
		AddRow("BINANCE:BTCUSDT@KLINE_60").
		AddRow("BINANCE:ETHUSDT@QUOTE")
	mock.ExpectQuery(`DELETE FROM subscriptions\s+WHERE session_id = \$1`).
		WithArgs(testSession).
		WillReturnRows(rows)

	freed, err := s.ReleaseAll(context.Background(), testSession)
	if err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if len(freed) != 2 {
		t.Fatalf("expected 2 freed keys, got %d", len(freed))
	}
	if freed[0] != "BINANCE:BTCUSDT@KLINE_60" {
		t.Fatalf("unexpected key: %s", freed[0])
	}
	expectationsMet(t, mock)
}

func TestRegistrySnapshot(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"key", "count"}).
		AddRow("BINANCE:BTCUSDT@KLINE_60", 3).
		AddRow("BINANCE:ETHUSDT@QUOTE", 1)
	mock.ExpectQuery(`SELECT key, count\(\*\) FROM subscriptions GROUP BY key`).
		WillReturnRows(rows)

	snapshot, err := s.RegistrySnapshot(context.Background())
	if err != nil {
		t.Fatalf("RegistrySnapshot: %v", err)
	}
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(snapshot))
	}
	if snapshot["BINANCE:BTCUSDT@KLINE_60"] != 3 {
		t.Fatalf("unexpected ref count: %d", snapshot["BINANCE:BTCUSDT@KLINE_60"])
	}
	expectationsMet(t, mock)
}

func TestSessionKeys(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"key"}).
		AddRow("BINANCE:BTCUSDT@KLINE_60").
		AddRow("SIGNAL:99999999-8888-7777-6666-555555555555@EVENTS")
	mock.ExpectQuery(`SELECT key FROM subscriptions WHERE session_id = \$1 ORDER BY key`).
		WithArgs(testSession).
		WillReturnRows(rows)

	keys, err := s.SessionKeys(context.Background(), testSession)
	if err != nil {
		t.Fatalf("SessionKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	expectationsMet(t, mock)
}

func TestCleanRegistry(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`TRUNCATE subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_notify\('subscription\.clean', '\{\}'\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CleanRegistry(context.Background()); err != nil {
		t.Fatalf("CleanRegistry: %v", err)
	}
	expectationsMet(t, mock)
}
