package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CommandAudit struct {
	ID             string        `json:"id"`
	Command        string        `json:"command"`
	InstanceID     string        `json:"instance_id"`
	FolderKey      string        `json:"folder_key,omitempty"`
	Comment        string        `json:"comment,omitempty"`
	Outcome        string        `json:"outcome"`
	StatusCategory string        `json:"status_category,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	Actor          string        `json:"actor,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type CreateCommandAuditInput struct {
	Command        string
	InstanceID     string
	FolderKey      string
	Comment        string
	Outcome        string
	StatusCategory string
	Detail         string
	Actor          string
	Duration       time.Duration
}

type ListCommandAuditsInput struct {
	InstanceID string
	Outcome    string
	Limit      int
}

func (s *Store) CreateCommandAudit(ctx context.Context, input CreateCommandAuditInput) (CommandAudit, error) {
	record := CommandAudit{
		ID:             "audit_" + uuid.NewString(),
		Command:        strings.ToLower(strings.TrimSpace(input.Command)),
		InstanceID:     strings.TrimSpace(input.InstanceID),
		FolderKey:      strings.TrimSpace(input.FolderKey),
		Comment:        strings.TrimSpace(input.Comment),
		Outcome:        strings.ToLower(strings.TrimSpace(input.Outcome)),
		StatusCategory: strings.TrimSpace(input.StatusCategory),
		Detail:         strings.TrimSpace(input.Detail),
		Actor:          strings.TrimSpace(input.Actor),
		Duration:       input.Duration,
		CreatedAt:      time.Now().UTC(),
	}
	if record.Command == "" || record.Outcome == "" {
		return CommandAudit{}, fmt.Errorf("missing required command audit fields")
	}
	if record.InstanceID == "" {
		record.InstanceID = "-"
	}

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO command_audit (
			id, command, instance_id, folder_key, comment, outcome, status_category, detail, actor, duration_ms, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Command,
		record.InstanceID,
		optional(record.FolderKey),
		optional(record.Comment),
		record.Outcome,
		optional(record.StatusCategory),
		optional(record.Detail),
		optional(record.Actor),
		optional(record.Duration.Milliseconds()),
		record.CreatedAt.UnixMilli(),
	); err != nil {
		return CommandAudit{}, fmt.Errorf("insert command audit: %w", err)
	}
	return record, nil
}

// ListCommandAudits returns the newest records first.
func (s *Store) ListCommandAudits(ctx context.Context, input ListCommandAuditsInput) ([]CommandAudit, error) {
	limit := input.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	whereParts := []string{"1=1"}
	args := make([]any, 0, 3)
	if instanceID := strings.TrimSpace(input.InstanceID); instanceID != "" {
		whereParts = append(whereParts, "instance_id = ?")
		args = append(args, instanceID)
	}
	if outcome := strings.ToLower(strings.TrimSpace(input.Outcome)); outcome != "" {
		whereParts = append(whereParts, "outcome = ?")
		args = append(args, outcome)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, command, instance_id, COALESCE(folder_key, ''), COALESCE(comment, ''), outcome,
			COALESCE(status_category, ''), COALESCE(detail, ''), COALESCE(actor, ''), COALESCE(duration_ms, 0), created_at_ms
		 FROM command_audit
		 WHERE `+strings.Join(whereParts, " AND ")+`
		 ORDER BY created_at_ms DESC, rowid DESC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query command audit: %w", err)
	}
	defer rows.Close()

	records := make([]CommandAudit, 0, limit)
	for rows.Next() {
		var record CommandAudit
		var durationMs, createdAtMilli int64
		if err := rows.Scan(
			&record.ID,
			&record.Command,
			&record.InstanceID,
			&record.FolderKey,
			&record.Comment,
			&record.Outcome,
			&record.StatusCategory,
			&record.Detail,
			&record.Actor,
			&durationMs,
			&createdAtMilli,
		); err != nil {
			return nil, err
		}
		record.Duration = time.Duration(durationMs) * time.Millisecond
		record.CreatedAt = time.UnixMilli(createdAtMilli).UTC()
		records = append(records, record)
	}
	return records, rows.Err()
}
