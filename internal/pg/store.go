// Package pg is the database adapter. The relational store owns the ledger
// tables and exposes stored procedures for appending, selecting and
// listening; this package calls them by name and translates rows and
// notifications into the service's data model.
package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/evently-cloud/evently/internal/eventid"
)

// Store wraps the shared connection pool. Individual calls are independent;
// the pool handles concurrency.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewStore verifies connectivity and returns a Store.
func NewStore(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) (*Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Pool exposes the underlying pool for health checks and shutdown.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Position is a ledger position: the (timestamp, checksum) pair of the last
// event a query read through.
type Position struct {
	Timestamp uint64
	Checksum  uint32
}

// ID combines the position with a ledger id into an event id.
func (p Position) ID(ledgerID string) eventid.ID {
	return eventid.ID{Timestamp: p.Timestamp, Checksum: p.Checksum, LedgerID: ledgerID}
}

// EventRow is one selected event row before conversion.
type EventRow struct {
	Timestamp uint64
	Checksum  uint32
	Event     string
	Entities  []byte
	Meta      []byte
	Data      []byte
}

// RunSelector executes run_selector. The first returned row is a header
// carrying the position the query read through; the remainder are events,
// at most batchSize of them.
func (s *Store) RunSelector(ctx context.Context, ledgerID string, afterTs uint64, afterChk uint32, limit uint32, predicate []byte, batchSize int32) (Position, []EventRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, checksum, event, entities, meta, data
		   FROM run_selector($1, $2, $3, $4, $5, $6)`,
		ledgerID, int64(afterTs), int64(afterChk), int64(limit), predicate, batchSize)
	if err != nil {
		return Position{}, nil, err
	}
	defer rows.Close()

	var header Position
	var events []EventRow
	first := true
	for rows.Next() {
		var (
			ts, chk                       int64
			name                          *string
			entitiesDoc, metaDoc, dataDoc []byte
		)
		if err := rows.Scan(&ts, &chk, &name, &entitiesDoc, &metaDoc, &dataDoc); err != nil {
			return Position{}, nil, fmt.Errorf("failed to scan selector row: %w", err)
		}
		if first {
			first = false
			header = Position{Timestamp: uint64(ts), Checksum: uint32(chk)}
			continue
		}
		row := EventRow{
			Timestamp: uint64(ts),
			Checksum:  uint32(chk),
			Entities:  entitiesDoc,
			Meta:      metaDoc,
			Data:      dataDoc,
		}
		if name != nil {
			row.Event = *name
		}
		events = append(events, row)
	}
	if err := rows.Err(); err != nil {
		return Position{}, nil, err
	}
	if first {
		return Position{}, nil, errors.New("run_selector returned no header row")
	}
	return header, events, nil
}

// FetchSelected pulls a continuation batch after the given timestamp.
func (s *Store) FetchSelected(ctx context.Context, ledgerID string, afterTs uint64, limit uint32, predicate []byte) ([]EventRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, checksum, event, entities, meta, data
		   FROM fetch_selected($1, $2, $3, $4)`,
		ledgerID, int64(afterTs), int64(limit), predicate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			ts, chk                       int64
			name                          string
			entitiesDoc, metaDoc, dataDoc []byte
		)
		if err := rows.Scan(&ts, &chk, &name, &entitiesDoc, &metaDoc, &dataDoc); err != nil {
			return nil, fmt.Errorf("failed to scan selected row: %w", err)
		}
		events = append(events, EventRow{
			Timestamp: uint64(ts),
			Checksum:  uint32(chk),
			Event:     name,
			Entities:  entitiesDoc,
			Meta:      metaDoc,
			Data:      dataDoc,
		})
	}
	return events, rows.Err()
}

// FetchEventID returns the latest matching position, or nil when no event
// matches.
func (s *Store) FetchEventID(ctx context.Context, ledgerID string, predicate []byte, afterTs uint64, limit uint32) (*Position, error) {
	var ts, chk *int64
	err := s.pool.QueryRow(ctx,
		`SELECT timestamp, checksum FROM fetch_event_id($1, $2, $3, $4)`,
		ledgerID, predicate, int64(afterTs), int64(limit)).Scan(&ts, &chk)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ts == nil || chk == nil {
		return nil, nil
	}
	return &Position{Timestamp: uint64(*ts), Checksum: uint32(*chk)}, nil
}

// AppendEvent invokes append_event in a single call. The database performs
// race detection against the predicate applied after previousID.
func (s *Store) AppendEvent(ctx context.Context, previousID []byte, eventName string, entities, meta, data []byte, appendKey string, predicate []byte) (eventid.ID, error) {
	prev, err := uuid.FromBytes(previousID)
	if err != nil {
		return eventid.ID{}, fmt.Errorf("previous id is not 16 bytes: %w", err)
	}
	var newID uuid.UUID
	err = s.pool.QueryRow(ctx,
		`SELECT append_event($1, $2, $3, $4, $5, $6, $7)`,
		prev, eventName, entities, meta, data, appendKey, predicate).Scan(&newID)
	if err != nil {
		return eventid.ID{}, err
	}
	return eventid.FromBytes(newID[:])
}

// StoredEvent is the prior event found under an append key.
type StoredEvent struct {
	Timestamp uint64
	Checksum  uint32
	Event     string
	Entities  []byte
	Meta      []byte
	Data      []byte
}

// FindWithAppendKey looks up a prior append by idempotency key. Returns nil
// when no event carries the key.
func (s *Store) FindWithAppendKey(ctx context.Context, ledgerID, key string) (*StoredEvent, error) {
	var (
		ts, chk                       int64
		name                          string
		entitiesDoc, metaDoc, dataDoc []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT timestamp, checksum, event, entities, meta, data
		   FROM find_with_append_key($1, $2)`,
		ledgerID, key).Scan(&ts, &chk, &name, &entitiesDoc, &metaDoc, &dataDoc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &StoredEvent{
		Timestamp: uint64(ts),
		Checksum:  uint32(chk),
		Event:     name,
		Entities:  entitiesDoc,
		Meta:      metaDoc,
		Data:      dataDoc,
	}, nil
}

// CreateLedger creates a new ledger and returns its id.
func (s *Store) CreateLedger(ctx context.Context, name, description string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT create_ledger($1, $2)`, name, description).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FindLedgerByName resolves a ledger id by its unique name. Returns ""
// when no ledger carries the name.
func (s *Store) FindLedgerByName(ctx context.Context, name string) (string, error) {
	var id *string
	err := s.pool.QueryRow(ctx, `SELECT find_ledger($1)`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if id == nil {
		return "", nil
	}
	return *id, nil
}

// LedgerEventCount returns the number of events in a ledger.
func (s *Store) LedgerEventCount(ctx context.Context, ledgerID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT ledger_event_count($1)`, ledgerID).Scan(&count)
	return count, err
}

// ResetLedgerEvents trims all events after the given position, or back to
// genesis when the position is zero.
func (s *Store) ResetLedgerEvents(ctx context.Context, ledgerID string, afterTs uint64, afterChk uint32) error {
	_, err := s.pool.Exec(ctx, `SELECT reset_ledger_events($1, $2, $3)`,
		ledgerID, int64(afterTs), int64(afterChk))
	return err
}

// RemoveLedger deletes the ledger.
func (s *Store) RemoveLedger(ctx context.Context, ledgerID string) error {
	_, err := s.pool.Exec(ctx, `SELECT remove_ledger($1)`, ledgerID)
	return err
}

// AfterExists reports whether the position names a real event in the ledger.
func (s *Store) AfterExists(ctx context.Context, ledgerID string, ts uint64, chk uint32) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT after_exists($1, $2, $3)`,
		ledgerID, int64(ts), int64(chk)).Scan(&exists)
	return exists, err
}

// FetchMissingData recovers meta and data dropped from an oversized
// notification payload.
func (s *Store) FetchMissingData(ctx context.Context, ledgerID string, ts uint64, needMeta bool) (meta, data []byte, err error) {
	err = s.pool.QueryRow(ctx, `SELECT meta, data FROM fetch_missing_data($1, $2, $3)`,
		ledgerID, int64(ts), needMeta).Scan(&meta, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	return meta, data, err
}

// Error classification helpers. The upstream procedures signal outcomes
// through SQLSTATEs and message prefixes; components map these onto the
// client error taxonomy.

// IsSyntaxError reports SQLSTATE 42601, raised for malformed selector SQL.
func IsSyntaxError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42601"
}

// IsUniqueViolation reports SQLSTATE 23505, optionally scoped to one
// constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// MessageHasPrefix reports whether the database error message starts with
// the given prefix.
func MessageHasPrefix(err error, prefix string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Message, prefix)
	}
	return false
}

// Message returns the raw database error message, or the error text.
func Message(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// IsConnectionRefused reports a failure to reach the database at all.
func IsConnectionRefused(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "connection refused")
}
