// Package registry derives the set of permitted event types per ledger.
// There is no registry table: the state is the fold of registration and
// unregistration marker events stored in the ledger itself.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/pg"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
	"github.com/evently-cloud/evently/internal/source"
)

// Marker event types. Each is tagged against the reserved "📒" entity,
// keyed by the ledger id.
const (
	EventRegistered   = "EVENT_REGISTERED"
	EventUnregistered = "EVENT_UNREGISTERED"
)

// ReservedEntity is the synthetic entity markers are tagged with. It cannot
// appear in user-supplied entities.
const ReservedEntity = "📒"

const (
	cacheSize = 1000
	cacheTTL  = 10 * time.Second
)

// Entry is one registered event type and the entity names its events must
// carry keys for.
type Entry struct {
	Event    string   `json:"event"`
	Entities []string `json:"entities"`
}

// DB appends marker events; the slice of the adapter the registry writes
// through. Markers append factually: the predicate never matches.
type DB interface {
	AppendEvent(ctx context.Context, previousID []byte, eventName string, entities, meta, data []byte, appendKey string, predicate []byte) (eventid.ID, error)
}

// Service folds and mutates registry state with a per-process cache.
type Service struct {
	src   *source.Source
	db    DB
	log   zerolog.Logger
	cache *lru.LRU[string, []Entry]
	group singleflight.Group
}

// NewService builds the registry service.
func NewService(src *source.Source, db DB, log zerolog.Logger) *Service {
	return &Service{
		src:   src,
		db:    db,
		log:   log.With().Str("component", "registry").Logger(),
		cache: lru.NewLRU[string, []Entry](cacheSize, nil, cacheTTL),
	}
}

type markerData struct {
	Event    string   `json:"event"`
	Entities []string `json:"entities"`
}

// AllEvents returns every registered event type, in registration order.
func (s *Service) AllEvents(ctx context.Context, led ledger.Ledger) ([]Entry, error) {
	if cached, ok := s.cache.Get(led.ID); ok {
		return cached, nil
	}
	v, err, _ := s.group.Do(led.ID, func() (any, error) {
		entries, err := s.fold(ctx, led)
		if err != nil {
			return nil, err
		}
		s.cache.Add(led.ID, entries)
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

// fold replays the marker events through the selector engine and folds
// them: a type is registered iff its last marker is "registered".
func (s *Service) fold(ctx context.Context, led ledger.Ledger) ([]Entry, error) {
	sel := selector.Selector{Events: map[string]selector.Filter{
		EventRegistered:   {Query: "$"},
		EventUnregistered: {Query: "$"},
	}}
	result, err := s.src.Select(ctx, led, sel)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0)
	index := map[string]int{}
	for ev := range result.Events {
		var data markerData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			s.log.Warn().Err(err).Str("ledger", led.ID).Str("eventId", ev.EventID).
				Msg("skipping malformed registry marker")
			continue
		}
		switch ev.Event {
		case EventRegistered:
			if at, ok := index[data.Event]; ok {
				entries[at].Entities = data.Entities
				continue
			}
			index[data.Event] = len(entries)
			entries = append(entries, Entry{Event: data.Event, Entities: data.Entities})
		case EventUnregistered:
			if at, ok := index[data.Event]; ok {
				entries = append(entries[:at], entries[at+1:]...)
				delete(index, data.Event)
				for name, i := range index {
					if i > at {
						index[name] = i - 1
					}
				}
			}
		}
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetEvent returns the entry for one event type, or nil when unregistered.
func (s *Service) GetEvent(ctx context.Context, led ledger.Ledger, name string) (*Entry, error) {
	entries, err := s.AllEvents(ctx, led)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Event == name {
			return &entry, nil
		}
	}
	return nil, nil
}

// Entities returns the distinct entity names across all registered events.
func (s *Service) Entities(ctx context.Context, led ledger.Ledger) ([]string, error) {
	entries, err := s.AllEvents(ctx, led)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var names []string
	for _, entry := range entries {
		for _, entity := range entry.Entities {
			if !seen[entity] {
				seen[entity] = true
				names = append(names, entity)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// EventsForEntity returns the registered events that name the entity.
func (s *Service) EventsForEntity(ctx context.Context, led ledger.Ledger, entity string) ([]Entry, error) {
	entries, err := s.AllEvents(ctx, led)
	if err != nil {
		return nil, err
	}
	var matched []Entry
	for _, entry := range entries {
		for _, name := range entry.Entities {
			if name == entity {
				matched = append(matched, entry)
				break
			}
		}
	}
	return matched, nil
}

// RegisterEventType registers an event type with its entity names.
// Re-registering with an identical set is a no-op; a different set replaces
// the previous one.
func (s *Service) RegisterEventType(ctx context.Context, led ledger.Ledger, name string, entities []string) error {
	if name == "" {
		return problem.BadInput("registry.register", "event name must not be empty")
	}
	for _, entity := range entities {
		if entity == ReservedEntity {
			return problem.Forbidden("registry.register", "entity name %q is reserved", ReservedEntity)
		}
	}

	existing, err := s.GetEvent(ctx, led, name)
	if err != nil {
		return err
	}
	if existing != nil && sameEntitySet(existing.Entities, entities) {
		return nil
	}

	if err := s.appendMarker(ctx, led, EventRegistered, markerData{Event: name, Entities: entities}); err != nil {
		return err
	}
	s.cache.Remove(led.ID)
	return nil
}

// DeleteEvent unregisters an event type.
func (s *Service) DeleteEvent(ctx context.Context, led ledger.Ledger, name string) error {
	existing, err := s.GetEvent(ctx, led, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return problem.NotFound("registry.delete", "event %q is not registered", name)
	}
	if err := s.appendMarker(ctx, led, EventUnregistered, markerData{Event: name}); err != nil {
		return err
	}
	s.cache.Remove(led.ID)
	return nil
}

func (s *Service) appendMarker(ctx context.Context, led ledger.Ledger, marker string, data markerData) error {
	entities, err := json.Marshal(map[string][]string{ReservedEntity: {led.ID}})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	previous := eventid.ID{LedgerID: led.ID}.Bytes()
	_, err = s.db.AppendEvent(ctx, previous, marker, entities, nil, payload, uuid.NewString(), []byte("false"))
	if err != nil {
		if pg.IsConnectionRefused(err) {
			return problem.Unavailable("registry.append", err)
		}
		pe := problem.Internal("registry.append", err)
		s.log.Error().Err(err).Str("ref", pe.Ref).Msg("failed to append registry marker")
		return pe
	}
	return nil
}

func sameEntitySet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
