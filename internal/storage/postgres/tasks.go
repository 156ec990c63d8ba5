package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

const taskColumns = `id, namespace, key, variant, data, description, completer_id,
	start_time, completed, referer_id, created_at, updated_at`

func scanTask(row pgx.Row) (broker.Task, error) {
	var (
		t    broker.Task
		data []byte
	)
	err := row.Scan(
		&t.ID,
		&t.Namespace,
		&t.Key,
		&t.Variant,
		&data,
		&t.Description,
		&t.CompleterID,
		&t.StartTime,
		&t.Completed,
		&t.RefererID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return broker.Task{}, err
	}
	if len(data) > 0 {
		t.Data = json.RawMessage(data)
	}
	return t, nil
}

// nullableJSON keeps an absent payload NULL rather than the JSON literal.
func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

// CreateTask inserts a task; a duplicate (namespace, key) yields ErrKeyConflict.
func (s *Store) CreateTask(ctx context.Context, task broker.Task) (broker.Task, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING `+taskColumns,
		task.ID,
		task.Namespace,
		task.Key,
		task.Variant,
		nullableJSON(task.Data),
		task.Description,
		task.CompleterID,
		task.StartTime,
		task.Completed,
		task.RefererID,
		task.CreatedAt,
		task.UpdatedAt,
	)
	created, err := scanTask(row)
	if isUniqueViolation(err) {
		return broker.Task{}, broker.ErrKeyConflict
	}
	if err != nil {
		return broker.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (broker.Task, error) {
	return s.oneTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
}

// FindTaskByKey fetches a task by its natural key.
func (s *Store) FindTaskByKey(ctx context.Context, namespace, key string) (broker.Task, error) {
	return s.oneTask(ctx, `SELECT `+taskColumns+` FROM tasks WHERE namespace = $1 AND key = $2`, namespace, key)
}

func (s *Store) oneTask(ctx context.Context, query string, args ...any) (broker.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.Task{}, broker.ErrNotFound
	}
	if err != nil {
		return broker.Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter in creation order.
func (s *Store) ListTasks(ctx context.Context, filter broker.TaskFilter) ([]broker.Task, error) {
	var (
		conds []string
		args  []any
	)
	bind := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Namespace != "" {
		bind("namespace = $%d", filter.Namespace)
	}
	if filter.Variant != "" {
		bind("variant = $%d", filter.Variant)
	}
	if filter.CompleterID != "" {
		bind("completer_id = $%d", filter.CompleterID)
	}
	if filter.Unassigned {
		conds = append(conds, "completer_id IS NULL")
	}
	if filter.Open {
		conds = append(conds, "NOT completed")
	}

	var b strings.Builder
	b.WriteString("SELECT " + taskColumns + " FROM tasks")
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if filter.Newest {
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	} else {
		b.WriteString(" ORDER BY created_at ASC, id ASC")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []broker.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// ClaimTask assigns the task in a single conditional update.
func (s *Store) ClaimTask(ctx context.Context, id, clientID string, startTime, now time.Time) (broker.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
UPDATE tasks
SET completer_id = $2, start_time = $3, completed = FALSE, updated_at = $4
WHERE id = $1 AND (completer_id IS NULL OR completer_id = $2)
RETURNING `+taskColumns,
		id, clientID, startTime, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.Task{}, s.missOr(ctx, id, broker.ErrAlreadyAcquired)
	}
	if err != nil {
		return broker.Task{}, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// CompleteTask marks the task completed when clientID holds it.
func (s *Store) CompleteTask(ctx context.Context, id, clientID string, now time.Time) (broker.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
UPDATE tasks
SET completed = TRUE, updated_at = $3
WHERE id = $1 AND completer_id = $2
RETURNING `+taskColumns,
		id, clientID, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.Task{}, s.missOr(ctx, id, broker.ErrNotAcquiredByCaller)
	}
	if err != nil {
		return broker.Task{}, fmt.Errorf("complete task: %w", err)
	}
	return task, nil
}

// missOr tells a missing row apart from a failed condition after a
// conditional update matched nothing.
func (s *Store) missOr(ctx context.Context, id string, conditionErr error) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check task %s: %w", id, err)
	}
	if !exists {
		return broker.ErrNotFound
	}
	return conditionErr
}

// CountUnassigned counts tasks no worker holds.
func (s *Store) CountUnassigned(ctx context.Context, namespace, variant string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT COUNT(*) FROM tasks
WHERE namespace = $1 AND variant = $2 AND completer_id IS NULL`,
		namespace, variant,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unassigned: %w", err)
	}
	return n, nil
}
var _ broker.Store = (*Store)(nil)
