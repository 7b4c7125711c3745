package selector

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/problem"
)

// Compact mapping keys. Encoded maps carry only present clauses, written in
// sorted key order so the byte output is deterministic.
const (
	keyAfter    = "a"
	keyEvents   = "d"
	keyEntities = "e"
	keyLimit    = "l"
	keyMeta     = "m"
	keyQuery    = "q"
	keyVars     = "v"
)

func errBadSelector(format string, args ...any) error {
	return problem.BadInput("selector", "invalid URI part: %s", fmt.Sprintf(format, args...))
}

// Pack canonicalizes the selector and encodes it to the binary form. The
// same bytes serve as the URI token body and the database fingerprint.
func Pack(s Selector) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	n := 0
	if s.After != nil {
		n++
	}
	if len(s.Events) > 0 {
		n++
	}
	if len(s.Entities) > 0 {
		n++
	}
	if s.Limit > 0 {
		n++
	}
	if s.Meta != nil {
		n++
	}

	if err := enc.EncodeMapLen(n); err != nil {
		return nil, err
	}
	// Key order mirrors the canonical sort: a, d, e, l, m.
	if s.After != nil {
		if err := encodeKeyed(enc, keyAfter, func() error {
			return enc.EncodeBytes(s.After.Bytes())
		}); err != nil {
			return nil, err
		}
	}
	if len(s.Events) > 0 {
		if err := encodeKeyed(enc, keyEvents, func() error {
			if err := enc.EncodeMapLen(len(s.Events)); err != nil {
				return err
			}
			for _, name := range sortedKeys(s.Events) {
				if err := enc.EncodeString(name); err != nil {
					return err
				}
				f := s.Events[name]
				if err := encodeFilter(enc, f); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if len(s.Entities) > 0 {
		if err := encodeKeyed(enc, keyEntities, func() error {
			if err := enc.EncodeMapLen(len(s.Entities)); err != nil {
				return err
			}
			for _, name := range sortedKeys(s.Entities) {
				if err := enc.EncodeString(name); err != nil {
					return err
				}
				keys := s.Entities[name]
				if err := enc.EncodeArrayLen(len(keys)); err != nil {
					return err
				}
				for _, k := range keys {
					if err := enc.EncodeString(k); err != nil {
						return err
					}
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	if s.Limit > 0 {
		if err := encodeKeyed(enc, keyLimit, func() error {
			return enc.EncodeUint32(s.Limit)
		}); err != nil {
			return nil, err
		}
	}
	if s.Meta != nil {
		if err := encodeKeyed(enc, keyMeta, func() error {
			return encodeFilter(enc, *s.Meta)
		}); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func encodeKeyed(enc *msgpack.Encoder, key string, value func() error) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return value()
}

// encodeFilter writes {q, v?} with empty vars omitted. Var maps go through
// the encoder's sorted-map path so nested keys stay deterministic.
func encodeFilter(enc *msgpack.Encoder, f Filter) error {
	n := 1
	if len(f.Vars) > 0 {
		n = 2
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}
	if err := enc.EncodeString(keyQuery); err != nil {
		return err
	}
	if err := enc.EncodeString(f.Query); err != nil {
		return err
	}
	if len(f.Vars) > 0 {
		if err := enc.EncodeString(keyVars); err != nil {
			return err
		}
		if err := enc.Encode(f.Vars); err != nil {
			return err
		}
	}
	return nil
}

// Encode packs the selector and renders the base64url URI token.
func Encode(s Selector) (string, error) {
	raw, err := Pack(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a base64url URI token back into a selector. Any failure is
// a 400-class "invalid URI part" error.
func Decode(token string) (Selector, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Selector{}, errBadSelector("%v", err)
	}
	return Unpack(raw)
}

// Unpack decodes the binary form.
func Unpack(raw []byte) (Selector, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))

	n, err := dec.DecodeMapLen()
	if err != nil {
		return Selector{}, errBadSelector("%v", err)
	}

	var s Selector
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Selector{}, errBadSelector("%v", err)
		}
		switch key {
		case keyAfter:
			b, err := dec.DecodeBytes()
			if err != nil {
				return Selector{}, errBadSelector("%v", err)
			}
			id, err := eventid.FromBytes(b)
			if err != nil {
				return Selector{}, errBadSelector("%v", err)
			}
			s.After = &id
		case keyEvents:
			events, err := decodeFilterMap(dec)
			if err != nil {
				return Selector{}, err
			}
			s.Events = events
		case keyEntities:
			var entities map[string][]string
			if err := dec.Decode(&entities); err != nil {
				return Selector{}, errBadSelector("%v", err)
			}
			s.Entities = entities
		case keyLimit:
			limit, err := dec.DecodeUint32()
			if err != nil {
				return Selector{}, errBadSelector("%v", err)
			}
			s.Limit = limit
		case keyMeta:
			f, err := decodeFilter(dec)
			if err != nil {
				return Selector{}, err
			}
			s.Meta = &f
		default:
			return Selector{}, errBadSelector("unknown key %q", key)
		}
	}

	// Trailing bytes mean the token was not produced by Pack.
	if _, err := dec.PeekCode(); err != io.EOF {
		return Selector{}, errBadSelector("trailing bytes")
	}

	if err := s.Validate(); err != nil {
		return Selector{}, err
	}
	return s, nil
}

func decodeFilterMap(dec *msgpack.Decoder) (map[string]Filter, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, errBadSelector("%v", err)
	}
	out := make(map[string]Filter, n)
	for i := 0; i < n; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return nil, errBadSelector("%v", err)
		}
		f, err := decodeFilter(dec)
		if err != nil {
			return nil, err
		}
		out[name] = f
	}
	return out, nil
}

func decodeFilter(dec *msgpack.Decoder) (Filter, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return Filter{}, errBadSelector("%v", err)
	}
	var f Filter
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Filter{}, errBadSelector("%v", err)
		}
		switch key {
		case keyQuery:
			if f.Query, err = dec.DecodeString(); err != nil {
				return Filter{}, errBadSelector("%v", err)
			}
		case keyVars:
			if err := dec.Decode(&f.Vars); err != nil {
				return Filter{}, errBadSelector("%v", err)
			}
		default:
			return Filter{}, errBadSelector("unknown filter key %q", key)
		}
	}
	if f.Query == "" {
		return Filter{}, errBadSelector("filter has no query")
	}
	return f, nil
}
