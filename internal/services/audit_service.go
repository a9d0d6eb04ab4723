package services

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/models"
)

// AuditRecorder appends before/after records of ledger mutations and reads
// them back per entity.
type AuditRecorder struct {
	db       *sql.DB
	pageSize int
	now      func() time.Time
}

func NewAuditRecorder(db *sql.DB, pageSize int) *AuditRecorder {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &AuditRecorder{db: db, pageSize: pageSize, now: time.Now}
}

// Record appends event inside tx. The row shares the fate of tx: it exists
// only if tx commits.
func (r *AuditRecorder) Record(ctx context.Context, tx *sql.Tx, event models.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_id, action, entity_type, entity_id, before_state, after_state, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.ActorID, event.Action, event.EntityType, event.EntityID,
		event.Before, event.After, event.IPAddress, event.UserAgent, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Trail yields the events of one entity created in [from, to), oldest first.
// Pages are fetched lazily as the caller ranges; every new range starts over
// from the beginning. A zero to means the time of the call.
func (r *AuditRecorder) Trail(ctx context.Context, entityType, entityID string, from, to time.Time) iter.Seq2[models.AuditEvent, error] {
	return func(yield func(models.AuditEvent, error) bool) {
		upper := to
		if upper.IsZero() {
			upper = r.now()
		}

		cursorTime, cursorID := from, uuid.Nil
		for {
			page, err := r.page(ctx, entityType, entityID, cursorTime, cursorID, upper)
			if err != nil {
				yield(models.AuditEvent{}, classify(err))
				return
			}

			for _, event := range page {
				if !yield(event, nil) {
					return
				}
			}

			if len(page) < r.pageSize {
				return
			}
			last := page[len(page)-1]
			cursorTime, cursorID = last.CreatedAt, last.ID
		}
	}
}

func (r *AuditRecorder) page(ctx context.Context, entityType, entityID string, afterTime time.Time, afterID uuid.UUID, to time.Time) ([]models.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor_id, action, entity_type, entity_id, before_state, after_state, ip_address, user_agent, created_at
		FROM audit_events
		WHERE entity_type = $1 AND entity_id = $2
			AND (created_at, id) > ($3, $4)
			AND created_at < $5
		ORDER BY created_at, id
		LIMIT $6`,
		entityType, entityID, afterTime, afterID, to, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	events := make([]models.AuditEvent, 0, r.pageSize)
	for rows.Next() {
		var event models.AuditEvent
		var actorID sql.NullString
		if err := rows.Scan(&event.ID, &actorID, &event.Action, &event.EntityType, &event.EntityID,
			&event.Before, &event.After, &event.IPAddress, &event.UserAgent, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if actorID.Valid {
			event.ActorID = &actorID.String
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	return events, nil
}

// newAuditEvent builds an event for an account mutation made by actor.
func newAuditEvent(actor models.Actor, action string, account *models.Account, before, after models.Snapshot) models.AuditEvent {
	event := models.AuditEvent{
		Action:     action,
		EntityType: models.EntityAccount,
		EntityID:   account.AccountNumber,
		Before:     before,
		After:      after,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	}
	if actor.ID != "" {
		id := actor.ID
		event.ActorID = &id
	}
	return event
}

// withMovement returns a copy of s that references the movement behind it.
func withMovement(s models.Snapshot, movementID uuid.UUID) models.Snapshot {
	out := maps.Clone(s)
	out["movement_id"] = movementID.String()
	return out
}
