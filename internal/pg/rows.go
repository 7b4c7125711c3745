package pg

import (
	"encoding/json"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/eventid"
)

// ToPersisted converts a selected row into the client-facing event form.
func (r EventRow) ToPersisted(ledgerID string) event.Persisted {
	id := eventid.ID{Timestamp: r.Timestamp, Checksum: r.Checksum, LedgerID: ledgerID}
	return event.Persisted{
		EventID:   id.String(),
		Timestamp: event.TimestampString(r.Timestamp),
		Event:     r.Event,
		Entities:  decodeEntities(r.Entities),
		Meta:      r.Meta,
		Data:      r.Data,
	}
}

// ToPersisted converts a stored append-key row; used by idempotent replay.
func (r StoredEvent) ToPersisted(ledgerID string) event.Persisted {
	return EventRow(r).ToPersisted(ledgerID)
}

func decodeEntities(raw []byte) map[string][]string {
	if len(raw) == 0 {
		return map[string][]string{}
	}
	var entities map[string][]string
	if err := json.Unmarshal(raw, &entities); err != nil {
		return map[string][]string{}
	}
	return entities
}
