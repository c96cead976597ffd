package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mj2154/tickbus/pkg/models"
)

// Task queue. Inserting notifies task.new, terminal updates notify
// task.completed; both come from the table's triggers.

// TaskOrigin identifies the session request a task answers.
type TaskOrigin struct {
	SessionID string
	RequestID string
}

// EnqueueTask inserts a PENDING task and returns its generated id.
func (s *Store) EnqueueTask(ctx context.Context, taskType models.TaskType, payload models.JSONB, origin TaskOrigin) (string, error) {
	taskID := uuid.New().String()
	if err := s.EnqueueTaskWithID(ctx, taskID, taskType, payload, origin); err != nil {
		return "", err
	}
	return taskID, nil
}

// EnqueueTaskWithID inserts a PENDING task under a caller-chosen id.
// The gateway uses this to register its completion watch before the
// insert commits, so a fast worker cannot finish the task before the
// watch exists.
func (s *Store) EnqueueTaskWithID(ctx context.Context, taskID string, taskType models.TaskType, payload models.JSONB, origin TaskOrigin) error {
	if !taskType.Valid() {
		return fmt.Errorf("enqueue: unknown task type %q", taskType)
	}
	query := `
		INSERT INTO tasks (task_id, type, payload, status, origin_session_id, origin_request_id)
		VALUES ($1, $2, $3, 'PENDING', $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query,
		taskID, string(taskType), payload, origin.SessionID, origin.RequestID,
	); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

// ClaimTask atomically takes the oldest eligible PENDING task matching
// the type filter (empty filter matches all), or returns ErrNotFound
// when nothing is claimable. SKIP LOCKED keeps concurrent workers from
// blocking on each other's claims; each claim bumps the attempt
// counter.
func (s *Store) ClaimTask(ctx context.Context, workerID string, typeFilter ...models.TaskType) (*models.Task, error) {
	types := make([]string, len(typeFilter))
	for i, t := range typeFilter {
		types[i] = string(t)
	}
	query := `
		UPDATE tasks SET
			status     = 'CLAIMED',
			worker_id  = $1,
			claimed_at = NOW(),
			attempts   = attempts + 1
		WHERE task_id = (
			SELECT task_id FROM tasks
			WHERE status = 'PENDING' AND not_before <= NOW()
			  AND (cardinality($2::text[]) = 0 OR type = ANY($2::text[]))
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING task_id, type, payload, origin_session_id, origin_request_id,
		          origin_gone, attempts, created_at
	`
	var (
		task      models.Task
		sessionID sql.NullString
		requestID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, workerID, pq.Array(types)).Scan(
		&task.ID, &task.Type, &task.Payload, &sessionID, &requestID,
		&task.OriginGone, &task.Attempts, &task.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	task.Status = models.TaskClaimed
	task.WorkerID = workerID
	task.OriginSessionID = sessionID.String
	task.OriginRequestID = requestID.String
	return &task, nil
}

// CompleteTask finishes a claimed task with a result. Only the claiming
// worker may complete it.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string, result models.JSONB) error {
	query := `
		UPDATE tasks SET
			status        = 'SUCCEEDED',
			result        = $3,
			error_code    = NULL,
			error_message = NULL,
			completed_at  = NOW()
		WHERE task_id = $1 AND worker_id = $2 AND status = 'CLAIMED'
	`
	return s.finishTask(ctx, query, taskID, workerID, result)
}

// FailTask finishes a claimed task with a permanent error. No retry
// follows; the originator sees the code and message.
func (s *Store) FailTask(ctx context.Context, taskID, workerID, code, message string) error {
	query := `
		UPDATE tasks SET
			status        = 'FAILED',
			error_code    = $3,
			error_message = $4,
			completed_at  = NOW()
		WHERE task_id = $1 AND worker_id = $2 AND status = 'CLAIMED'
	`
	return s.finishTask(ctx, query, taskID, workerID, code, message)
}

func (s *Store) finishTask(ctx context.Context, query, taskID, workerID string, extra ...interface{}) error {
	args := append([]interface{}{taskID, workerID}, extra...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTaskNotClaimed
	}
	return nil
}

// AbandonTask returns a transiently failed task to the queue after a
// backoff, or fails it for good once the attempt budget is spent. The
// caller supplies the backoff for the attempt it just burned.
func (s *Store) AbandonTask(ctx context.Context, taskID, workerID, reason string, backoff time.Duration) (models.TaskStatus, error) {
	query := `
		UPDATE tasks SET
			status        = CASE WHEN attempts >= $3 THEN 'FAILED' ELSE 'PENDING' END,
			error_code    = $4,
			error_message = $5,
			completed_at  = CASE WHEN attempts >= $3 THEN NOW() END,
			not_before    = NOW() + make_interval(secs => $6),
			worker_id     = NULL,
			claimed_at    = NULL
		WHERE task_id = $1 AND worker_id = $2 AND status = 'CLAIMED'
		RETURNING status
	`
	var status models.TaskStatus
	err := s.db.QueryRowContext(ctx, query,
		taskID, workerID, s.maxAttempts,
		models.TaskErrUpstream, reason, backoff.Seconds(),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTaskNotClaimed
	}
	if err != nil {
		return "", fmt.Errorf("abandon task %s: %w", taskID, err)
	}
	return status, nil
}

// ReapOrphanedTasks abandons CLAIMED tasks of one type whose worker
// went quiet past the cutoff. Reaped tasks re-enter the queue at once
// unless their attempts are spent, which fails them with a timeout.
// This is the sole at-least-once path in the queue.
func (s *Store) ReapOrphanedTasks(ctx context.Context, taskType models.TaskType, olderThan time.Duration) ([]string, error) {
	query := `
		UPDATE tasks SET
			status        = CASE WHEN attempts >= $2 THEN 'FAILED' ELSE 'PENDING' END,
			error_code    = CASE WHEN attempts >= $2 THEN $3 ELSE error_code END,
			error_message = CASE WHEN attempts >= $2 THEN 'task orphaned by worker' ELSE error_message END,
			completed_at  = CASE WHEN attempts >= $2 THEN NOW() END,
			not_before    = NOW(),
			worker_id     = NULL,
			claimed_at    = NULL
		WHERE type = $1 AND status = 'CLAIMED'
		  AND claimed_at < NOW() - make_interval(secs => $4)
		RETURNING task_id
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(taskType), s.maxAttempts, models.TaskErrTimeout, olderThan.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("reap orphans for %s: %w", taskType, err)
	}
	defer rows.Close()

	var reaped []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		reaped = append(reaped, id)
	}
	return reaped, rows.Err()
}

// GetTask fetches one task row. The gateway correlator reads the
// result here when the completion notification lands.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	query := `
		SELECT task_id, type, payload, status, result, error_code, error_message,
		       origin_session_id, origin_request_id, origin_gone, worker_id,
		       attempts, not_before, created_at, claimed_at, completed_at
		FROM tasks
		WHERE task_id = $1
	`
	var (
		task        models.Task
		result      models.JSONB
		errCode     sql.NullString
		errMessage  sql.NullString
		sessionID   sql.NullString
		requestID   sql.NullString
		workerID    sql.NullString
		claimedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&task.ID, &task.Type, &task.Payload, &task.Status, &result, &errCode, &errMessage,
		&sessionID, &requestID, &task.OriginGone, &workerID,
		&task.Attempts, &task.NotBefore, &task.CreatedAt, &claimedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	task.Result = result
	task.ErrorCode = errCode.String
	task.ErrorMessage = errMessage.String
	task.OriginSessionID = sessionID.String
	task.OriginRequestID = requestID.String
	task.WorkerID = workerID.String
	if claimedAt.Valid {
		task.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}

// MarkOriginGone flags every live task a departed session was waiting
// on. The flag is a courtesy for operators; the tasks still run to
// completion and their results are discarded.
func (s *Store) MarkOriginGone(ctx context.Context, sessionID string) error {
	query := `
		UPDATE tasks SET origin_gone = TRUE
		WHERE origin_session_id = $1 AND status IN ('PENDING', 'CLAIMED')
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("mark origin gone for %s: %w", sessionID, err)
	}
	return nil
}

// PruneTasks deletes terminal tasks older than the retention window so
// the queue table stays small.
func (s *Store) PruneTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ('SUCCEEDED', 'FAILED')
		  AND completed_at < NOW() - make_interval(secs => $1)
	`
	res, err := s.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return res.RowsAffected()
}
