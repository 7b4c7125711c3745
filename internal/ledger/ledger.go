// Package ledger manages ledger lifecycle: create, resolve, reset, remove.
// Ledger metadata is not stored in a table of its own; it is recovered from
// the ledger's genesis marker event.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/pg"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
)

// GenesisEvent is the marker written by the database as a ledger's first
// event. Its data carries the ledger's name and description.
const GenesisEvent = "📒𒃻"

const (
	cacheSize = 1000
	cacheTTL  = 5 * time.Second
)

// Ledger is the resolved metadata of one append-only log.
type Ledger struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Genesis     eventid.ID `json:"-"`
}

// DB is the slice of the database adapter the ledger service needs.
type DB interface {
	CreateLedger(ctx context.Context, name, description string) (string, error)
	FindLedgerByName(ctx context.Context, name string) (string, error)
	RunSelector(ctx context.Context, ledgerID string, afterTs uint64, afterChk uint32, limit uint32, predicate []byte, batchSize int32) (pg.Position, []pg.EventRow, error)
	LedgerEventCount(ctx context.Context, ledgerID string) (int64, error)
	ResetLedgerEvents(ctx context.Context, ledgerID string, afterTs uint64, afterChk uint32) error
	RemoveLedger(ctx context.Context, ledgerID string) error
	AfterExists(ctx context.Context, ledgerID string, ts uint64, chk uint32) (bool, error)
}

// Service resolves and administers ledgers. Lookups are memoized in a small
// TTL'd LRU; concurrent callers for the same ledger share one load.
type Service struct {
	db    DB
	log   zerolog.Logger
	cache *lru.LRU[string, Ledger]
	group singleflight.Group
}

// NewService builds the ledger service.
func NewService(db DB, log zerolog.Logger) *Service {
	return &Service{
		db:    db,
		log:   log.With().Str("component", "ledgers").Logger(),
		cache: lru.NewLRU[string, Ledger](cacheSize, nil, cacheTTL),
	}
}

type genesisData struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Create creates a ledger and returns its id. Ledger names are unique
// across the store: a duplicate name resolves to the existing ledger's id.
func (s *Service) Create(ctx context.Context, name, description string) (string, error) {
	if name == "" {
		return "", problem.BadInput("ledger.create", "ledger name must not be empty")
	}
	id, err := s.db.CreateLedger(ctx, name, description)
	if err != nil {
		if pg.IsUniqueViolation(err, "") {
			existing, findErr := s.db.FindLedgerByName(ctx, name)
			if findErr != nil {
				return "", s.internal("ledger.create", findErr)
			}
			if existing != "" {
				return existing, nil
			}
			return "", problem.Forbidden("ledger.create",
				"a ledger named %q already exists but could not be resolved", name)
		}
		if pg.IsConnectionRefused(err) {
			return "", problem.Unavailable("ledger.create", err)
		}
		return "", s.internal("ledger.create", err)
	}
	s.cache.Remove(id)
	return id, nil
}

// ForLedgerID resolves a ledger by id, reading the genesis marker with a
// bounded selector call. Returns nil when the ledger does not exist.
func (s *Service) ForLedgerID(ctx context.Context, id string) (*Ledger, error) {
	if cached, ok := s.cache.Get(id); ok {
		return &cached, nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		return s.resolve(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	led := v.(Ledger)
	return &led, nil
}

func (s *Service) resolve(ctx context.Context, id string) (any, error) {
	sel := selector.Selector{
		Events: map[string]selector.Filter{GenesisEvent: {Query: "$"}},
		Limit:  1,
	}
	predicate, err := selector.PredicateBytes(sel)
	if err != nil {
		return nil, err
	}

	_, rows, err := s.db.RunSelector(ctx, id, 0, 0, 1, predicate, 2)
	if err != nil {
		if pg.IsConnectionRefused(err) {
			return nil, problem.Unavailable("ledger.resolve", err)
		}
		// An unknown ledger id makes the selector fail; treat as absent.
		s.log.Debug().Err(err).Str("ledger", id).Msg("ledger did not resolve")
		return nil, nil
	}
	if len(rows) == 0 {
		return nil, nil
	}

	genesis := rows[0]
	var data genesisData
	if len(genesis.Data) > 0 {
		if err := json.Unmarshal(genesis.Data, &data); err != nil {
			return nil, s.internal("ledger.resolve", err)
		}
	}
	led := Ledger{
		ID:          id,
		Name:        data.Name,
		Description: data.Description,
		Genesis:     eventid.ID{Timestamp: genesis.Timestamp, Checksum: genesis.Checksum, LedgerID: id},
	}
	s.cache.Add(id, led)
	return led, nil
}

// EventCount returns the ledger's event count.
func (s *Service) EventCount(ctx context.Context, id string) (int64, error) {
	count, err := s.db.LedgerEventCount(ctx, id)
	if err != nil {
		return 0, s.internal("ledger.count", err)
	}
	return count, nil
}

// Reset trims all events after the given id, or back to genesis when after
// is nil. In-flight selector streams are not synchronized with a reset.
func (s *Service) Reset(ctx context.Context, led Ledger, after *eventid.ID) error {
	var ts uint64
	var chk uint32
	if after != nil {
		if after.LedgerID != led.ID {
			return problem.BadInput("ledger.reset", "'after' event id %s belongs to another ledger", after)
		}
		exists, err := s.db.AfterExists(ctx, led.ID, after.Timestamp, after.Checksum)
		if err != nil {
			return s.internal("ledger.reset", err)
		}
		if !exists {
			return problem.BadInput("ledger.reset", "'after' event id %s not found", after)
		}
		ts, chk = after.Timestamp, after.Checksum
	}
	if err := s.db.ResetLedgerEvents(ctx, led.ID, ts, chk); err != nil {
		return s.internal("ledger.reset", err)
	}
	s.cache.Remove(led.ID)
	return nil
}

// Remove deletes the ledger outright.
func (s *Service) Remove(ctx context.Context, led Ledger) error {
	if err := s.db.RemoveLedger(ctx, led.ID); err != nil {
		return s.internal("ledger.remove", err)
	}
	s.cache.Remove(led.ID)
	return nil
}

func (s *Service) internal(op string, err error) error {
	pe := problem.Internal(op, err)
	s.log.Error().Err(err).Str("ref", pe.Ref).Str("op", op).Msg("database error")
	return pe
}
