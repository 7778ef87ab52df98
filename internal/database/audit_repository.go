package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// AuditRepository appends and lists audit events
type AuditRepository struct {
	q Querier
}

// Record appends an audit event.
func (r *AuditRepository) Record(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = utc(e.CreatedAt)

	payload := []byte("{}")
	if len(e.Payload) > 0 {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, event_type, entity_type, entity_id, actor_type, message, payload,
			country_code, channel, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.EntityType, e.EntityID, string(e.ActorType), e.Message, string(payload),
		e.CountryCode, string(e.Channel), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// AuditFilter narrows audit listings. Zero values are ignored.
type AuditFilter struct {
	EventType  string
	EntityType string
	EntityID   string
	Since      *time.Time
	Limit      uint64
}

// List returns matching events, oldest first.
func (r *AuditRepository) List(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	b := sq.Select("id", "event_type", "entity_type", "entity_id", "actor_type", "message",
		"payload", "country_code", "channel", "created_at").
		From("audit_events").
		OrderBy("created_at", "rowid")
	if f.EventType != "" {
		b = b.Where(sq.Eq{"event_type": f.EventType})
	}
	if f.EntityType != "" {
		b = b.Where(sq.Eq{"entity_type": f.EntityType})
	}
	if f.EntityID != "" {
		b = b.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Since != nil {
		b = b.Where(sq.GtOrEq{"created_at": utc(*f.Since)})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit listing: %w", err)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var actor, payload, channel string
		err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &actor, &e.Message,
			&payload, &e.CountryCode, &channel, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.ActorType = ActorType(actor)
		e.Channel = Channel(channel)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return events, nil
}
