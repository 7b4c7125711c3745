package pg

import (
	"fmt"
	"strconv"
	"strings"
)

// Notification is a parsed ALL_EVENTS payload. The payload is CSV:
//
//	ledgerId,timestamp,checksum,event,entities[,meta[,data]]
//
// Fields are bare or single-quoted with SQL-style doubled quotes; literals
// prefixed E'…' carry backslash escapes that need an extra un-escape pass.
// Meta and data are dropped by the database when the payload would exceed
// its notification size limit; HasMeta/HasData report what arrived.
type Notification struct {
	LedgerID  string
	Timestamp uint64
	Checksum  uint32
	Event     string
	Entities  []byte
	Meta      []byte
	Data      []byte
	HasMeta   bool
	HasData   bool
}

// ParseNotification decodes one ALL_EVENTS payload. This format is a wire
// contract with the database's notification trigger; keep changes in step
// with it.
func ParseNotification(payload string) (Notification, error) {
	fields, err := splitCSV(payload)
	if err != nil {
		return Notification{}, fmt.Errorf("notification payload: %w", err)
	}
	if len(fields) < 5 {
		return Notification{}, fmt.Errorf("notification payload has %d fields, need at least 5", len(fields))
	}

	ts, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("notification timestamp %q: %w", fields[1], err)
	}
	chk, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Notification{}, fmt.Errorf("notification checksum %q: %w", fields[2], err)
	}

	n := Notification{
		LedgerID:  fields[0],
		Timestamp: ts,
		Checksum:  uint32(chk),
		Event:     fields[3],
		Entities:  []byte(fields[4]),
	}
	if len(fields) > 5 {
		n.Meta = []byte(fields[5])
		n.HasMeta = true
	}
	if len(fields) > 6 {
		n.Data = []byte(fields[6])
		n.HasData = true
	}
	return n, nil
}

// splitCSV splits the payload on commas, honoring single-quoted fields with
// doubled-quote escapes and the E'…' backslash form.
func splitCSV(payload string) ([]string, error) {
	var fields []string
	i := 0
	for {
		field, next, err := scanField(payload, i)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
		if next >= len(payload) {
			return fields, nil
		}
		if payload[next] != ',' {
			return nil, fmt.Errorf("expected comma at offset %d", next)
		}
		i = next + 1
	}
}

func scanField(payload string, start int) (string, int, error) {
	if start >= len(payload) {
		return "", start, nil
	}

	escaped := false
	i := start
	if strings.HasPrefix(payload[i:], "E'") {
		escaped = true
		i++
	}

	if i < len(payload) && payload[i] == '\'' {
		value, next, err := scanQuoted(payload, i+1)
		if err != nil {
			return "", 0, err
		}
		if escaped {
			value = unescapeBackslashes(value)
		}
		return value, next, nil
	}

	// Bare field: up to the next comma.
	end := strings.IndexByte(payload[start:], ',')
	if end < 0 {
		return payload[start:], len(payload), nil
	}
	return payload[start : start+end], start + end, nil
}

func scanQuoted(payload string, start int) (string, int, error) {
	var sb strings.Builder
	i := start
	for i < len(payload) {
		c := payload[i]
		if c != '\'' {
			sb.WriteByte(c)
			i++
			continue
		}
		// Doubled quote is a literal quote; a lone quote closes the field.
		if i+1 < len(payload) && payload[i+1] == '\'' {
			sb.WriteByte('\'')
			i += 2
			continue
		}
		return sb.String(), i + 1, nil
	}
	return "", 0, fmt.Errorf("unterminated quoted field at offset %d", start)
}

// unescapeBackslashes applies the extra pass E'…' literals need.
func unescapeBackslashes(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '\'':
			sb.WriteByte('\'')
		case '"':
			sb.WriteByte('"')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
