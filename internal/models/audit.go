package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	EntityAccount = "account"

	ActionAccountCreated       = "account.created"
	ActionAccountDebited       = "account.debited"
	ActionAccountCredited      = "account.credited"
	ActionAccountStatusChanged = "account.status_changed"
)

// Actor identifies who triggered a mutation and from where. An empty ID is a
// system action.
type Actor struct {
	ID        string
	IPAddress string
	UserAgent string
}

// AuditEvent is an immutable before/after record of a mutation.
type AuditEvent struct {
	ID         uuid.UUID `json:"id" db:"id"`
	ActorID    *string   `json:"actor_id" db:"actor_id"`
	Action     string    `json:"action" db:"action"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Before     Snapshot  `json:"before" db:"before_state"`
	After      Snapshot  `json:"after" db:"after_state"`
	IPAddress  string    `json:"ip_address" db:"ip_address"`
	UserAgent  string    `json:"user_agent" db:"user_agent"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Snapshot type for JSONB fields
type Snapshot map[string]any

// Value implements driver.Valuer for Snapshot
func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for Snapshot
func (s *Snapshot) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, s)
}
