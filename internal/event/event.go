// Package event holds the shared event data model: the persisted form
// returned to clients and the append input accepted from them.
package event

import (
	"encoding/json"
	"time"

	"github.com/evently-cloud/evently/internal/eventid"
)

// Persisted is an event converted from a database row.
type Persisted struct {
	EventID   string              `json:"eventId"`
	Timestamp string              `json:"timestamp"`
	Event     string              `json:"event"`
	Entities  map[string][]string `json:"entities"`
	Meta      json.RawMessage     `json:"meta,omitempty"`
	Data      json.RawMessage     `json:"data,omitempty"`
}

// ID parses the event's hex id.
func (p Persisted) ID() (eventid.ID, error) {
	return eventid.Parse(p.EventID)
}

// Append is the input for an append operation. Entities may be empty for
// event types registered without entity names; any entity named must carry
// at least one key.
type Append struct {
	Event          string              `json:"event" validate:"required"`
	Entities       map[string][]string `json:"entities" validate:"omitempty,dive,min=1"`
	Meta           json.RawMessage     `json:"meta,omitempty"`
	Data           json.RawMessage     `json:"data,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
}

// TimestampString renders an epoch-microsecond instant as ISO-8601 UTC.
func TimestampString(micros uint64) string {
	return time.UnixMicro(int64(micros)).UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}
