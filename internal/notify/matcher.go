// Package notify fans newly appended events out to subscriptions over
// Server-Sent Events. Channels hold subscription filters; a single upstream
// listener demultiplexes every appended event to all matching subscriptions.
package notify

import (
	"encoding/json"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/jsonpath"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
)

// Matcher is a compiled in-process predicate over a persisted event. It
// must decide the same way the database predicate derived from the same
// selector would.
type Matcher func(ev event.Persisted) bool

// CompileMatcher compiles a selector. A plain selector compiles to an
// always-true matcher; a filter selector matches when at least one of its
// entities, meta or per-event clauses matches.
func CompileMatcher(sel selector.Selector) (Matcher, error) {
	if !sel.IsFilter() {
		return func(event.Persisted) bool { return true }, nil
	}

	var metaPath *jsonpath.Path
	var metaVars map[string]any
	if sel.Meta != nil {
		compiled, err := jsonpath.Compile(sel.Meta.Query)
		if err != nil {
			return nil, problem.BadInput("notify.matcher", "invalid meta query: %v", err)
		}
		metaPath = compiled
		metaVars = sel.Meta.Vars
	}

	type dataMatcher struct {
		path *jsonpath.Path // nil for "$", which is always true
		vars map[string]any
	}
	dataPaths := make(map[string]dataMatcher, len(sel.Events))
	for name, f := range sel.Events {
		compiled, err := jsonpath.Compile(f.Query)
		if err != nil {
			return nil, problem.BadInput("notify.matcher", "invalid query for event %q: %v", name, err)
		}
		dm := dataMatcher{vars: f.Vars}
		if !compiled.IsRoot() {
			dm.path = compiled
		}
		dataPaths[name] = dm
	}

	entities := sel.Entities

	return func(ev event.Persisted) bool {
		for name, keys := range entities {
			evKeys, ok := ev.Entities[name]
			if !ok {
				continue
			}
			for _, key := range keys {
				for _, evKey := range evKeys {
					if key == evKey {
						return true
					}
				}
			}
		}

		if metaPath != nil && metaPath.Exists(unmarshalDoc(ev.Meta), metaVars) {
			return true
		}

		if dm, ok := dataPaths[ev.Event]; ok {
			if dm.path == nil {
				return true
			}
			if dm.path.Exists(unmarshalDoc(ev.Data), dm.vars) {
				return true
			}
		}
		return false
	}, nil
}

func unmarshalDoc(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}
