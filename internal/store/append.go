// Package store appends events to a ledger under factual or atomic
// semantics. Atomic appends carry a selector predicate the database applies
// for race detection; factual appends carry the literal "false", which
// never matches.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/pg"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/registry"
	"github.com/evently-cloud/evently/internal/selector"
)

// appendKeyConstraint is the unique constraint violated when an append key
// is reused.
const appendKeyConstraint = "_append_key_key"

// Status classifies an append outcome.
type Status int

const (
	// Success means the event committed (or an idempotent replay matched).
	Success Status = iota
	// Race means an atomic append lost to a concurrent matching event.
	Race
	// Failed means an append rule refused the event; the message carries
	// remediation with /RESET and /REGISTER placeholders for the HTTP layer
	// to substitute.
	Failed
	// Errored means the database rejected the append inputs.
	Errored
)

// Result is the outcome of an append.
type Result struct {
	Status         Status
	EventID        eventid.ID
	IdempotencyKey string
	Message        string
}

// DB is the slice of the database adapter the append engine needs.
type DB interface {
	AppendEvent(ctx context.Context, previousID []byte, eventName string, entities, meta, data []byte, appendKey string, predicate []byte) (eventid.ID, error)
	FindWithAppendKey(ctx context.Context, ledgerID, key string) (*pg.StoredEvent, error)
}

// Registry validates events against the ledger's registered types.
type Registry interface {
	GetEvent(ctx context.Context, led ledger.Ledger, name string) (*registry.Entry, error)
}

// Store is the append engine.
type Store struct {
	db       DB
	registry Registry
	log      zerolog.Logger
}

// New builds a Store.
func New(db DB, reg Registry, log zerolog.Logger) *Store {
	return &Store{db: db, registry: reg, log: log.With().Str("component", "store").Logger()}
}

// AppendFactual appends unconditionally.
func (s *Store) AppendFactual(ctx context.Context, led ledger.Ledger, ev event.Append) (Result, error) {
	return s.append(ctx, led, ev, nil)
}

// AppendAtomic appends conditionally: the commit succeeds only if no event
// matching the selector exists in the ledger after the selector's position.
func (s *Store) AppendAtomic(ctx context.Context, led ledger.Ledger, ev event.Append, sel selector.Selector) (Result, error) {
	if !sel.IsFilter() {
		return Result{}, problem.BadInput("store.append",
			"atomic append requires a filter selector, not a download selector")
	}
	return s.append(ctx, led, ev, &sel)
}

func (s *Store) append(ctx context.Context, led ledger.Ledger, ev event.Append, sel *selector.Selector) (Result, error) {
	if err := s.validateAgainstRegistry(ctx, led, ev); err != nil {
		return Result{}, err
	}

	predicate := []byte("false")
	previous := eventid.ID{LedgerID: led.ID}
	if sel != nil {
		var err error
		if predicate, err = selector.PredicateBytes(*sel); err != nil {
			return Result{}, err
		}
		if sel.After != nil {
			if sel.After.LedgerID != led.ID {
				return Result{}, problem.BadInput("store.append",
					"'after' event id %s belongs to another ledger", sel.After)
			}
			previous.Timestamp = sel.After.Timestamp
			previous.Checksum = sel.After.Checksum
		}
	}

	appendKey := ev.IdempotencyKey
	if appendKey == "" {
		appendKey = uuid.NewString()
	}

	entities := marshalEntities(ev.Entities)

	id, err := s.db.AppendEvent(ctx, previous.Bytes(), ev.Event, entities, ev.Meta, ev.Data, appendKey, predicate)
	if err != nil {
		return s.mapAppendError(ctx, led, ev, appendKey, err)
	}
	return Result{Status: Success, EventID: id, IdempotencyKey: appendKey}, nil
}

// validateAgainstRegistry enforces that the event type is registered and
// that every entity named on the event is listed for the type.
func (s *Store) validateAgainstRegistry(ctx context.Context, led ledger.Ledger, ev event.Append) error {
	for name := range ev.Entities {
		if name == registry.ReservedEntity {
			return problem.Forbidden("store.append", "entity name %q is reserved", name)
		}
	}
	entry, err := s.registry.GetEvent(ctx, led, ev.Event)
	if err != nil {
		return err
	}
	if entry == nil {
		return problem.Unprocessable("store.append", "event %q is not registered", ev.Event)
	}
	allowed := make(map[string]bool, len(entry.Entities))
	for _, entity := range entry.Entities {
		allowed[entity] = true
	}
	for name := range ev.Entities {
		if !allowed[name] {
			return problem.Unprocessable("store.append",
				"entity %q is not registered for event %q", name, ev.Event)
		}
	}
	return nil
}

// mapAppendError turns the database's append signals into results, deferring
// to idempotent replay where an idempotency key is in play.
func (s *Store) mapAppendError(ctx context.Context, led ledger.Ledger, ev event.Append, appendKey string, err error) (Result, error) {
	switch {
	case pg.MessageHasPrefix(err, "RACE CONDITION"):
		if ev.IdempotencyKey != "" {
			return s.replay(ctx, led, ev, Result{Status: Race, Message: "a matching event was appended concurrently"})
		}
		return Result{Status: Race, Message: "a matching event was appended concurrently"}, nil

	case pg.IsUniqueViolation(err, appendKeyConstraint):
		return s.replay(ctx, led, ev, Result{})

	case pg.MessageHasPrefix(err, "previous can only be genesis for first event"):
		return Result{Status: Failed, Message: "Ledger already has events. Reset the ledger at /RESET, or register the event types at /REGISTER and append atomically."}, nil

	case pg.MessageHasPrefix(err, "previous_id must exist in the ledger"):
		return Result{Status: Errored, Message: "Previous Event ID not found"}, nil

	case pg.MessageHasPrefix(err, "AFTER not found"):
		return Result{Status: Errored, Message: "'after' value not found"}, nil

	case pg.IsSyntaxError(err):
		return Result{}, problem.BadInput("store.append", "selector produced invalid SQL: %s", pg.Message(err))

	case pg.IsConnectionRefused(err):
		return Result{}, problem.Unavailable("store.append", err)
	}

	pe := problem.Internal("store.append", err)
	s.log.Error().Err(err).Str("ref", pe.Ref).Msg("append failed")
	return Result{}, pe
}

// replay resolves an idempotency-key collision. A prior event deeply equal
// to the current input is returned as success, suppressing the original
// race or key-reuse error; a differing prior event is a 422.
func (s *Store) replay(ctx context.Context, led ledger.Ledger, ev event.Append, original Result) (Result, error) {
	if ev.IdempotencyKey == "" {
		return Result{}, problem.Unprocessable("store.append",
			"append key was reused for a different event")
	}

	stored, err := s.db.FindWithAppendKey(ctx, led.ID, ev.IdempotencyKey)
	if err != nil {
		pe := problem.Internal("store.replay", err)
		s.log.Error().Err(err).Str("ref", pe.Ref).Msg("idempotency lookup failed")
		return Result{}, pe
	}
	if stored == nil {
		if original.Status == Race {
			return original, nil
		}
		return Result{}, problem.Unprocessable("store.append",
			"idempotency key was reused for a different event")
	}

	if stored.Event == ev.Event &&
		jsonEqual(marshalEntities(ev.Entities), stored.Entities) &&
		jsonEqual(ev.Meta, stored.Meta) &&
		jsonEqual(ev.Data, stored.Data) {
		id := eventid.ID{Timestamp: stored.Timestamp, Checksum: stored.Checksum, LedgerID: led.ID}
		return Result{Status: Success, EventID: id, IdempotencyKey: ev.IdempotencyKey}, nil
	}
	return Result{}, problem.Unprocessable("store.append",
		"Event does not match the event originally appended with idempotencyKey")
}

// marshalEntities renders the entity map, normalizing absent to empty so
// entity-less events store and replay consistently.
func marshalEntities(entities map[string][]string) []byte {
	if entities == nil {
		entities = map[string][]string{}
	}
	b, _ := json.Marshal(entities)
	return b
}

// jsonEqual compares two JSON documents structurally, independent of key
// order. Absent documents equal null or empty documents.
func jsonEqual(a, b []byte) bool {
	if isEmptyJSON(a) && isEmptyJSON(b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func isEmptyJSON(doc []byte) bool {
	trimmed := bytes.TrimSpace(doc)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
