// Package selector implements the structured query that doubles as an ETag
// and position token. A selector canonicalizes to a deterministic binary
// form (msgpack, base64url) used as the URI token, the subscription key and
// the byte-exact predicate fingerprint sent to the database.
package selector

import (
	"sort"
	"strings"

	"github.com/evently-cloud/evently/internal/eventid"
)

// Filter is a JSONPath query with optional variables, applied to an event's
// meta or data document.
type Filter struct {
	Query string
	Vars  map[string]any
}

// Selector selects a subset of a ledger's events and a position within it.
//
// A plain selector carries only After and Limit: all events from After
// exclusive, up to Limit. A filter selector additionally names at least one
// of Entities, Meta or Events; it matches an event when at least one of the
// specified clauses matches.
type Selector struct {
	After    *eventid.ID
	Limit    uint32 // 0 = unbounded
	Entities map[string][]string
	Meta     *Filter
	Events   map[string]Filter
}

// IsFilter reports whether the selector carries any filter clause.
func (s Selector) IsFilter() bool {
	return len(s.Entities) > 0 || s.Meta != nil || len(s.Events) > 0
}

// WithAfter returns a copy of the selector positioned after the given event.
func (s Selector) WithAfter(after eventid.ID) Selector {
	out := s.clone()
	out.After = &after
	return out
}

// WithoutLimit returns a copy with the limit stripped. Subscriptions store
// selectors this way: a notification filter has no download bound.
func (s Selector) WithoutLimit() Selector {
	out := s.clone()
	out.Limit = 0
	return out
}

func (s Selector) clone() Selector {
	out := Selector{After: s.After, Limit: s.Limit}
	if s.After != nil {
		a := *s.After
		out.After = &a
	}
	if len(s.Entities) > 0 {
		out.Entities = make(map[string][]string, len(s.Entities))
		for name, keys := range s.Entities {
			out.Entities[name] = append([]string(nil), keys...)
		}
	}
	if s.Meta != nil {
		m := Filter{Query: s.Meta.Query, Vars: cloneVars(s.Meta.Vars)}
		out.Meta = &m
	}
	if len(s.Events) > 0 {
		out.Events = make(map[string]Filter, len(s.Events))
		for name, f := range s.Events {
			out.Events[name] = Filter{Query: f.Query, Vars: cloneVars(f.Vars)}
		}
	}
	return out
}

func cloneVars(vars map[string]any) map[string]any {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// Validate checks the filter clauses: entity key lists must be non-empty and
// JSONPath queries must not request strict mode.
func (s Selector) Validate() error {
	for name, keys := range s.Entities {
		if len(keys) == 0 {
			return errBadSelector("entity %q has no keys", name)
		}
	}
	if s.Meta != nil {
		if err := validateQuery(s.Meta.Query); err != nil {
			return err
		}
	}
	for _, f := range s.Events {
		if err := validateQuery(f.Query); err != nil {
			return err
		}
	}
	return nil
}

func validateQuery(q string) error {
	if strings.TrimSpace(q) == "" {
		return errBadSelector("empty JSONPath query")
	}
	if strings.HasPrefix(strings.TrimSpace(q), "strict") {
		return errBadSelector("strict JSONPath mode is not supported")
	}
	return nil
}

// sortedKeys returns map keys in lexicographic order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
