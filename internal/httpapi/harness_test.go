package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/notify"
	"github.com/evently-cloud/evently/internal/pg"
	"github.com/evently-cloud/evently/internal/registry"
	"github.com/evently-cloud/evently/internal/source"
	"github.com/evently-cloud/evently/internal/store"
)

// memDB is an in-memory stand-in for the relational store. It understands
// the deterministic predicate forms the selector generator emits for event
// names and entities, which is all the handler tests select on.
type memDB struct {
	mu      sync.Mutex
	nextID  int
	nextTs  uint64
	ledgers map[string]bool
	names   map[string]string // ledger name → id
	rows    map[string][]pg.EventRow // ledger id → events in commit order
	keys    map[string]pg.EventRow   // ledger id + append key → event
}

func newMemDB() *memDB {
	return &memDB{
		ledgers: map[string]bool{},
		names:   map[string]string{},
		rows:    map[string][]pg.EventRow{},
		keys:    map[string]pg.EventRow{},
	}
}

type predicate struct {
	all      bool
	none     bool
	events   map[string]bool
	entities map[string][]string
}

// parsePredicate decodes the generated SQL fragment far enough to replay
// event-name and entity matches.
func parsePredicate(sql string) predicate {
	switch sql {
	case "true":
		return predicate{all: true}
	case "false":
		return predicate{none: true}
	}
	p := predicate{events: map[string]bool{}, entities: map[string][]string{}}
	sql = stripParens(sql)
	for _, term := range strings.Split(sql, " OR ") {
		term = stripParens(strings.TrimSpace(term))
		switch {
		case strings.HasPrefix(term, "event = ANY("):
			inner := strings.TrimSuffix(strings.TrimPrefix(term, "event = ANY('{"), "}')")
			for _, name := range strings.Split(inner, ",") {
				p.events[strings.Trim(name, `"`)] = true
			}
		case strings.HasPrefix(term, "event = '"):
			name := strings.TrimPrefix(term, "event = '")
			if and := strings.Index(name, "' AND "); and >= 0 {
				name = name[:and]
			} else {
				name = strings.TrimSuffix(name, "'")
			}
			p.events[name] = true
		case strings.HasPrefix(term, "entities @? '$."):
			rest := strings.TrimPrefix(term, `entities @? '$."`)
			quote := strings.Index(rest, `"`)
			name := rest[:quote]
			keysPart := rest[quote:]
			var keys []string
			for _, chunk := range strings.Split(keysPart, `@=="`) {
				if end := strings.Index(chunk, `"`); end > 0 && !strings.HasPrefix(chunk, " ?") {
					keys = append(keys, chunk[:end])
				}
			}
			p.entities[name] = append(p.entities[name], keys...)
		}
	}
	return p
}

func stripParens(s string) string {
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return s[1 : len(s)-1]
	}
	return s
}

func (p predicate) matches(row pg.EventRow) bool {
	if p.all {
		return true
	}
	if p.none {
		return false
	}
	if p.events[row.Event] {
		return true
	}
	var entities map[string][]string
	_ = json.Unmarshal(row.Entities, &entities)
	for name, keys := range p.entities {
		for _, key := range keys {
			for _, have := range entities[name] {
				if have == key {
					return true
				}
			}
		}
	}
	return false
}

func (m *memDB) CreateLedger(ctx context.Context, name, description string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.names[name]; taken {
		return "", &pgconn.PgError{Code: "23505", ConstraintName: "ledgers_name_key"}
	}
	m.nextID++
	id := fmt.Sprintf("%08x", m.nextID)
	m.ledgers[id] = true
	m.nextTs++
	data, _ := json.Marshal(map[string]string{"name": name, "description": description})
	m.rows[id] = []pg.EventRow{{
		Timestamp: m.nextTs,
		Checksum:  1,
		Event:     ledger.GenesisEvent,
		Entities:  []byte(`{"` + registry.ReservedEntity + `":["` + id + `"]}`),
		Data:      data,
	}}
	m.names[name] = id
	return id, nil
}

func (m *memDB) FindLedgerByName(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.names[name], nil
}

func (m *memDB) RunSelector(ctx context.Context, ledgerID string, afterTs uint64, afterChk uint32, limit uint32, pred []byte, batchSize int32) (pg.Position, []pg.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ledgers[ledgerID] {
		return pg.Position{}, nil, &pgconn.PgError{Message: "ledger not found"}
	}
	p := parsePredicate(string(pred))
	var out []pg.EventRow
	var pos pg.Position
	for _, row := range m.rows[ledgerID] {
		if row.Timestamp > pos.Timestamp {
			pos = pg.Position{Timestamp: row.Timestamp, Checksum: row.Checksum}
		}
		if row.Timestamp <= afterTs {
			continue
		}
		if !p.matches(row) {
			continue
		}
		if limit > 0 && uint32(len(out)) == limit {
			continue
		}
		if len(out) < int(batchSize) {
			out = append(out, row)
		}
	}
	return pos, out, nil
}

func (m *memDB) FetchSelected(ctx context.Context, ledgerID string, afterTs uint64, limit uint32, pred []byte) ([]pg.EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := parsePredicate(string(pred))
	var out []pg.EventRow
	for _, row := range m.rows[ledgerID] {
		if row.Timestamp <= afterTs || !p.matches(row) {
			continue
		}
		out = append(out, row)
		if limit > 0 && uint32(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (m *memDB) FetchEventID(ctx context.Context, ledgerID string, pred []byte, afterTs uint64, limit uint32) (*pg.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := parsePredicate(string(pred))
	var pos *pg.Position
	for _, row := range m.rows[ledgerID] {
		if row.Timestamp <= afterTs || !p.matches(row) {
			continue
		}
		pos = &pg.Position{Timestamp: row.Timestamp, Checksum: row.Checksum}
	}
	return pos, nil
}

func (m *memDB) AppendEvent(ctx context.Context, previousID []byte, eventName string, entities, meta, data []byte, appendKey string, pred []byte) (eventid.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := eventid.FromBytes(previousID)
	if err != nil {
		return eventid.ID{}, err
	}
	ledgerID := prev.LedgerID
	if !m.ledgers[ledgerID] {
		return eventid.ID{}, &pgconn.PgError{Message: "ledger not found"}
	}
	if _, exists := m.keys[ledgerID+"/"+appendKey]; exists {
		return eventid.ID{}, &pgconn.PgError{Code: "23505", ConstraintName: "_append_key_key"}
	}

	if p := parsePredicate(string(pred)); !p.none {
		for _, row := range m.rows[ledgerID] {
			if row.Timestamp > prev.Timestamp && p.matches(row) {
				return eventid.ID{}, &pgconn.PgError{Message: "RACE CONDITION: matching event appended"}
			}
		}
	}

	m.nextTs++
	row := pg.EventRow{
		Timestamp: m.nextTs,
		Checksum:  uint32(m.nextTs % 1000),
		Event:     eventName,
		Entities:  entities,
		Meta:      meta,
		Data:      data,
	}
	m.rows[ledgerID] = append(m.rows[ledgerID], row)
	m.keys[ledgerID+"/"+appendKey] = row
	return eventid.ID{Timestamp: row.Timestamp, Checksum: row.Checksum, LedgerID: ledgerID}, nil
}

func (m *memDB) FindWithAppendKey(ctx context.Context, ledgerID, key string) (*pg.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.keys[ledgerID+"/"+key]
	if !ok {
		return nil, nil
	}
	stored := pg.StoredEvent(row)
	return &stored, nil
}

func (m *memDB) LedgerEventCount(ctx context.Context, ledgerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows[ledgerID])), nil
}

func (m *memDB) ResetLedgerEvents(ctx context.Context, ledgerID string, afterTs uint64, afterChk uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.rows[ledgerID][:0]
	for _, row := range m.rows[ledgerID] {
		if row.Event == ledger.GenesisEvent || (afterTs > 0 && row.Timestamp <= afterTs) {
			keep = append(keep, row)
		}
	}
	m.rows[ledgerID] = keep
	return nil
}

func (m *memDB) RemoveLedger(ctx context.Context, ledgerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledgers, ledgerID)
	delete(m.rows, ledgerID)
	return nil
}

func (m *memDB) AfterExists(ctx context.Context, ledgerID string, ts uint64, chk uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows[ledgerID] {
		if row.Timestamp == ts && row.Checksum == chk {
			return true, nil
		}
	}
	return false, nil
}

// harness bundles a wired API over a memDB with one created ledger.
type harness struct {
	api      *API
	router   http.Handler
	db       *memDB
	hub      *notify.Hub
	ledgerID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newMemDB()
	log := zerolog.Nop()

	ledgers := ledger.NewService(db, log)
	src := source.New(db, log)
	reg := registry.NewService(src, db, log)
	hub := notify.NewHub(log)
	api := &API{
		Ledgers:  ledgers,
		Registry: reg,
		Source:   src,
		Store:    store.New(db, reg, log),
		Hub:      hub,
		Log:      log,
	}

	id, err := db.CreateLedger(context.Background(), "orders", "order events")
	require.NoError(t, err)

	return &harness{api: api, router: api.Router(), db: db, hub: hub, ledgerID: id}
}

func bearer(ledgerID string, roles ...string) string {
	doc, _ := json.Marshal(map[string]any{"ledger": ledgerID, "roles": roles})
	return "Bearer " + base64.RawURLEncoding.EncodeToString(doc)
}

// do performs one request against the router.
func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == nil {
		reader = strings.NewReader("")
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}
