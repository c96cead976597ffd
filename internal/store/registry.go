package store

import (
	"context"
	"fmt"
)

// Subscription registry: one row per (session, key) membership. The
// ref count for a key is the number of rows holding it; the 0->1 and
// 1->0 transitions are announced by the row triggers, which see the
// post-statement count.

// AcquireResult reports the registry state after an acquire.
type AcquireResult struct {
	RefCount             int
	TransitionedFromZero bool
}

// ReleaseResult reports the registry state after a release.
type ReleaseResult struct {
	RefCount           int
	TransitionedToZero bool
}

// Acquire records that a session holds a key. Acquiring a key the
// session already holds is a no-op and reports the unchanged count.
func (s *Store) Acquire(ctx context.Context, sessionID, key string) (AcquireResult, error) {
	// A data-modifying CTE is not visible to sibling reads in the same
	// statement, so the post-insert count is base count plus inserted.
	query := `
		WITH ins AS (
			INSERT INTO subscriptions (session_id, key)
			VALUES ($1, $2)
			ON CONFLICT (session_id, key) DO NOTHING
			RETURNING 1
		)
		SELECT (SELECT count(*) FROM subscriptions WHERE key = $2)
		         + (SELECT count(*) FROM ins),
		       (SELECT count(*) FROM ins) > 0
	`
	var (
		res      AcquireResult
		inserted bool
	)
	if err := s.db.QueryRowContext(ctx, query, sessionID, key).Scan(&res.RefCount, &inserted); err != nil {
		return AcquireResult{}, fmt.Errorf("acquire %s for %s: %w", key, sessionID, err)
	}
	res.TransitionedFromZero = inserted && res.RefCount == 1
	return res, nil
}

// Release drops a session's hold on a key. Releasing a key the session
// does not hold is a no-op.
func (s *Store) Release(ctx context.Context, sessionID, key string) (ReleaseResult, error) {
	query := `
		WITH del AS (
			DELETE FROM subscriptions
			WHERE session_id = $1 AND key = $2
			RETURNING 1
		)
		SELECT (SELECT count(*) FROM subscriptions WHERE key = $2)
		         - (SELECT count(*) FROM del),
		       (SELECT count(*) FROM del) > 0
	`
	var (
		res     ReleaseResult
		deleted bool
	)
	if err := s.db.QueryRowContext(ctx, query, sessionID, key).Scan(&res.RefCount, &deleted); err != nil {
		return ReleaseResult{}, fmt.Errorf("release %s for %s: %w", key, sessionID, err)
	}
	res.TransitionedToZero = deleted && res.RefCount == 0
	return res, nil
}

// ReleaseAll drops every key a session holds and returns the keys whose
// count reached zero. Called on session teardown.
func (s *Store) ReleaseAll(ctx context.Context, sessionID string) ([]string, error) {
	query := `
		WITH del AS (
			DELETE FROM subscriptions
			WHERE session_id = $1
			RETURNING key
		)
		SELECT d.key FROM del d
		WHERE NOT EXISTS (
			SELECT 1 FROM subscriptions s
			WHERE s.key = d.key AND s.session_id <> $1
		)
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("release all for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var freed []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		freed = append(freed, key)
	}
	return freed, rows.Err()
}

// RegistrySnapshot returns every key with a positive ref count and the
// count itself. The adapter treats this as the desired stream set.
func (s *Store) RegistrySnapshot(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, count(*) FROM subscriptions GROUP BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("registry snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string]int)
	for rows.Next() {
		var (
			key  string
			refs int
		)
		if err := rows.Scan(&key, &refs); err != nil {
			return nil, err
		}
		snapshot[key] = refs
	}
	return snapshot, rows.Err()
}

// SessionKeys returns the keys one session currently holds.
func (s *Store) SessionKeys(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM subscriptions WHERE session_id = $1 ORDER BY key
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session keys for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CleanRegistry clears every membership and broadcasts the resync
// control event. TRUNCATE bypasses the row triggers, so the wipe emits
// a single clean signal instead of one remove per key. Run at gateway
// boot, before sessions exist, to drop rows left by a previous run.
func (s *Store) CleanRegistry(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `TRUNCATE subscriptions`); err != nil {
		return fmt.Errorf("clean registry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify('subscription.clean', '{}')`); err != nil {
		return fmt.Errorf("notify registry clean: %w", err)
	}
	return tx.Commit()
}
