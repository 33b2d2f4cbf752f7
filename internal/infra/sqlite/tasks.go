package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

const taskColumns = `id, external_id, pipeline_id, source, source_id, title, description,
	work_type, skills, priority, queue_id, status, reservation_timeout, metadata,
	preferred_agents, excluded_agents, assigned_agent, disposition_code, assignments,
	retry_of, created_at, updated_at, reserved_at, accepted_at, wrap_up_at, completed_at`

// CreateTask inserts a new task. Returns ErrTaskExists on ID collision.
func (d *DB) CreateTask(ctx context.Context, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", domain.ErrTaskExists, t.ID)
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask replaces every column of an existing task.
func (d *DB) UpdateTask(ctx context.Context, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// id moves to the WHERE clause
	args = append(args[1:], t.ID)
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET
			external_id = ?, pipeline_id = ?, source = ?, source_id = ?, title = ?,
			description = ?, work_type = ?, skills = ?, priority = ?, queue_id = ?,
			status = ?, reservation_timeout = ?, metadata = ?, preferred_agents = ?,
			excluded_agents = ?, assigned_agent = ?, disposition_code = ?,
			assignments = ?, retry_of = ?, created_at = ?, updated_at = ?,
			reserved_at = ?, accepted_at = ?, wrap_up_at = ?, completed_at = ?
		 WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, t.ID)
	}
	return nil
}

// GetTask returns a single task by ID.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns matching tasks, newest first.
func (d *DB) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.PipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, f.PipelineID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.QueueID != "" {
		query += ` AND queue_id = ?`
		args = append(args, f.QueueID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ─── Row Mapping ────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func taskArgs(t domain.Task) ([]any, error) {
	skills, err := marshalJSON(t.Skills, "[]")
	if err != nil {
		return nil, err
	}
	metadata, err := marshalJSON(t.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	preferred, err := marshalJSON(t.PreferredAgents, "[]")
	if err != nil {
		return nil, err
	}
	excluded, err := marshalJSON(t.ExcludedAgents, "[]")
	if err != nil {
		return nil, err
	}
	assignments, err := marshalJSON(t.Assignments, "[]")
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.ExternalID, t.PipelineID, string(t.Source), t.SourceID, t.Title, t.Description,
		t.WorkType, skills, t.Priority, t.QueueID, string(t.Status), int64(t.ReservationTimeout), metadata,
		preferred, excluded, t.AssignedAgent, t.DispositionCode, assignments,
		t.RetryOf, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
		nullableUnix(t.ReservedAt), nullableUnix(t.AcceptedAt), nullableUnix(t.WrapUpAt), nullableUnix(t.CompletedAt),
	}, nil
}

func scanTask(s rowScanner) (domain.Task, error) {
	var (
		t                                             domain.Task
		source, status                                string
		skills, metadata, preferred, excluded, assign string
		reservationTimeout, createdAt, updatedAt      int64
		reservedAt, acceptedAt, wrapUpAt, completedAt sql.NullInt64
	)
	err := s.Scan(
		&t.ID, &t.ExternalID, &t.PipelineID, &source, &t.SourceID, &t.Title, &t.Description,
		&t.WorkType, &skills, &t.Priority, &t.QueueID, &status, &reservationTimeout, &metadata,
		&preferred, &excluded, &t.AssignedAgent, &t.DispositionCode, &assign,
		&t.RetryOf, &createdAt, &updatedAt, &reservedAt, &acceptedAt, &wrapUpAt, &completedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	t.Source = domain.Source(source)
	t.Status = domain.TaskStatus(status)
	t.ReservationTimeout = time.Duration(reservationTimeout)
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)
	t.ReservedAt = fromNullUnix(reservedAt)
	t.AcceptedAt = fromNullUnix(acceptedAt)
	t.WrapUpAt = fromNullUnix(wrapUpAt)
	t.CompletedAt = fromNullUnix(completedAt)

	for _, col := range []struct {
		raw string
		dst any
	}{
		{skills, &t.Skills},
		{metadata, &t.Metadata},
		{preferred, &t.PreferredAgents},
		{excluded, &t.ExcludedAgents},
		{assign, &t.Assignments},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return domain.Task{}, fmt.Errorf("decode task %s: %w", t.ID, err)
		}
	}
	// empty collections round-trip as nil, like the memory store
	if len(t.Skills) == 0 {
		t.Skills = nil
	}
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	if len(t.PreferredAgents) == 0 {
		t.PreferredAgents = nil
	}
	if len(t.ExcludedAgents) == 0 {
		t.ExcludedAgents = nil
	}
	if len(t.Assignments) == 0 {
		t.Assignments = nil
	}
	return t, nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromUnix(n.Int64)
}
