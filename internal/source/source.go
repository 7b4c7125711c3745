// Package source executes selectors against the store and streams the
// matched events in bounded batches. The first row of every selection is a
// header carrying the ledger position the query read through; that position
// becomes the stream's ETag basis.
package source

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/pg"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
)

// BatchSize is the number of rows fetched per database round trip.
const BatchSize = 100

// DB is the slice of the database adapter the source needs.
type DB interface {
	RunSelector(ctx context.Context, ledgerID string, afterTs uint64, afterChk uint32, limit uint32, predicate []byte, batchSize int32) (pg.Position, []pg.EventRow, error)
	FetchSelected(ctx context.Context, ledgerID string, afterTs uint64, limit uint32, predicate []byte) ([]pg.EventRow, error)
	FetchEventID(ctx context.Context, ledgerID string, predicate []byte, afterTs uint64, limit uint32) (*pg.Position, error)
}

// Source executes selectors.
type Source struct {
	db  DB
	log zerolog.Logger
}

// New builds a Source.
func New(db DB, log zerolog.Logger) *Source {
	return &Source{db: db, log: log.With().Str("component", "source").Logger()}
}

// Result is one selector execution: the position read through and the
// matched events, streamed in commit order. Drain Events, then check Err.
type Result struct {
	Position eventid.ID
	Events   <-chan event.Persisted
	err      *error
}

// Err reports a failure encountered while streaming, once Events is closed.
func (r *Result) Err() error {
	return *r.err
}

// Select executes a selector and streams matching events. Cancelling ctx
// stops the stream within one batch and releases the database cursor.
func (s *Source) Select(ctx context.Context, led ledger.Ledger, sel selector.Selector) (*Result, error) {
	if sel.After != nil && sel.After.LedgerID != led.ID {
		return nil, problem.BadInput("source.select",
			"'after' event id %s belongs to another ledger", sel.After)
	}
	predicate, err := selector.PredicateBytes(sel)
	if err != nil {
		return nil, err
	}

	var afterTs uint64
	var afterChk uint32
	if sel.After != nil {
		afterTs, afterChk = sel.After.Timestamp, sel.After.Checksum
	}

	header, rows, err := s.db.RunSelector(ctx, led.ID, afterTs, afterChk, sel.Limit, predicate, BatchSize)
	if err != nil {
		return nil, s.translate("source.select", sel, err)
	}

	ch := make(chan event.Persisted, BatchSize)
	var streamErr error
	result := &Result{
		Position: header.ID(led.ID),
		Events:   ch,
		err:      &streamErr,
	}

	go func() {
		defer close(ch)
		streamErr = s.stream(ctx, led, sel, predicate, rows, ch)
	}()

	return result, nil
}

// stream emits the first batch, then continues with rolling fetch_selected
// batches until a batch comes back empty or the remaining limit is spent.
func (s *Source) stream(ctx context.Context, led ledger.Ledger, sel selector.Selector, predicate []byte, first []pg.EventRow, ch chan<- event.Persisted) error {
	var lastTs uint64
	emitted := uint32(0)

	emit := func(rows []pg.EventRow) bool {
		for _, row := range rows {
			select {
			case ch <- row.ToPersisted(led.ID):
				lastTs = row.Timestamp
				emitted++
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	if !emit(first) {
		return ctx.Err()
	}
	// A short first batch means the selection is already drained.
	if len(first) < BatchSize {
		return nil
	}

	for {
		if sel.Limit > 0 && emitted >= sel.Limit {
			return nil
		}
		fetch := uint32(BatchSize)
		if sel.Limit > 0 {
			if remaining := sel.Limit - emitted; remaining < fetch {
				fetch = remaining
			}
		}
		rows, err := s.db.FetchSelected(ctx, led.ID, lastTs, fetch, predicate)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.translate("source.fetch", sel, err)
		}
		if !emit(rows) {
			return ctx.Err()
		}
		if len(rows) < int(fetch) {
			return nil
		}
	}
}

// LatestEventID computes the selector's position without the event rows:
// the id of the latest matching event, or the selector's own after, or the
// ledger's genesis.
func (s *Source) LatestEventID(ctx context.Context, led ledger.Ledger, sel selector.Selector) (eventid.ID, error) {
	if sel.After != nil && sel.After.LedgerID != led.ID {
		return eventid.ID{}, problem.BadInput("source.latest",
			"'after' event id %s belongs to another ledger", sel.After)
	}
	predicate, err := selector.PredicateBytes(sel)
	if err != nil {
		return eventid.ID{}, err
	}

	var afterTs uint64
	if sel.After != nil {
		afterTs = sel.After.Timestamp
	}
	pos, err := s.db.FetchEventID(ctx, led.ID, predicate, afterTs, sel.Limit)
	if err != nil {
		return eventid.ID{}, s.translate("source.latest", sel, err)
	}
	if pos == nil {
		if sel.After != nil {
			return *sel.After, nil
		}
		return led.Genesis, nil
	}
	return pos.ID(led.ID), nil
}

// translate maps database failures onto the client error taxonomy.
func (s *Source) translate(op string, sel selector.Selector, err error) error {
	switch {
	case pg.IsSyntaxError(err):
		return problem.BadInput(op, "selector produced invalid SQL: %s", pg.Message(err))
	case pg.MessageHasPrefix(err, "AFTER not found"):
		after := ""
		if sel.After != nil {
			after = sel.After.String()
		}
		return problem.BadInput(op, "'after' event id %s not found", after)
	case pg.IsConnectionRefused(err):
		return problem.Unavailable(op, err)
	}
	pe := problem.Internal(op, err)
	s.log.Error().Err(err).Str("ref", pe.Ref).Str("op", op).Msg("database error")
	return pe
}
