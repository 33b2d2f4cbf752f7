package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tutu-network/switchboard/internal/domain"
)

// ─── SLA Breach Log ─────────────────────────────────────────────────────────

// AppendBreach persists one SLA breach event. Events without an ID get one.
func (d *DB) AppendBreach(ctx context.Context, ev domain.SLABreachEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO sla_breaches
			(id, task_id, queue_id, pipeline_id, severity, percent_used,
			 old_priority, new_priority, action, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.TaskID, ev.QueueID, ev.PipelineID, string(ev.Severity), ev.PercentUsed,
		ev.OldPriority, ev.NewPriority, ev.Action, ev.OccurredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert breach %s: %w", ev.ID, err)
	}
	return nil
}

// ListBreaches returns up to limit events, newest first (limit <= 0 = all).
func (d *DB) ListBreaches(ctx context.Context, limit int) ([]domain.SLABreachEvent, error) {
	query := `SELECT id, task_id, queue_id, pipeline_id, severity, percent_used,
			old_priority, new_priority, action, occurred_at
		 FROM sla_breaches ORDER BY occurred_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list breaches: %w", err)
	}
	defer rows.Close()

	var out []domain.SLABreachEvent
	for rows.Next() {
		var (
			ev       domain.SLABreachEvent
			severity string
			occurred int64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.QueueID, &ev.PipelineID, &severity,
			&ev.PercentUsed, &ev.OldPriority, &ev.NewPriority, &ev.Action, &occurred); err != nil {
			return nil, fmt.Errorf("scan breach: %w", err)
		}
		ev.Severity = domain.SLASeverity(severity)
		ev.OccurredAt = fromUnix(occurred)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountBreaches returns breach counts per severity.
func (d *DB) CountBreaches(ctx context.Context) (map[domain.SLASeverity]int64, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM sla_breaches GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("count breaches: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.SLASeverity]int64)
	for rows.Next() {
		var (
			severity string
			n        int64
		)
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("scan breach count: %w", err)
		}
		out[domain.SLASeverity(severity)] = n
	}
	return out, rows.Err()
}
