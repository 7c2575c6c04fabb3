package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/telemetry"
)

// AppendEvent appends an event to the history. Events without an id or
// timestamp get one.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *telemetry.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Level == "" {
		event.Level = telemetry.EventLevelInfo
	}

	var data sql.NullString
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, type, source, plan_id, identifier, level, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.UTC(),
		event.Type,
		event.Source,
		event.PlanID,
		event.Identifier,
		event.Level,
		event.Message,
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventQuery selects events from the history.
type EventQuery struct {
	PlanID string
	Types  []string
	Since  time.Time
	Limit  int
}

// ListEvents returns matching events, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*telemetry.Event, error) {
	var where []string
	var args []any
	if q.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, q.PlanID)
	}
	if len(q.Types) > 0 {
		where = append(where, "type IN (?"+strings.Repeat(", ?", len(q.Types)-1)+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}

	query := `SELECT id, timestamp, type, source, plan_id, identifier, level, message, data FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*telemetry.Event{}
	for rows.Next() {
		event := &telemetry.Event{}
		var data sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.Type,
			&event.Source,
			&event.PlanID,
			&event.Identifier,
			&event.Level,
			&event.Message,
			&data,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// RecordEvents subscribes to the publisher and persists every event.
func (s *SQLiteStore) RecordEvents(events *telemetry.EventPublisher, logger zerolog.Logger) {
	if events == nil {
		return
	}
	events.Subscribe(func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendEvent(ctx, &event); err != nil {
			logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to persist event")
		}
	}, nil)
}
