// Package eventid implements the 16-byte event identifier used across the
// service: a 64-bit timestamp, a 32-bit checksum and a 32-bit ledger id,
// packed big-endian, with a 32-character lowercase hex string form.
package eventid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Size is the packed length of an ID in bytes.
const Size = 16

// HexSize is the length of the hex string form.
const HexSize = 32

// ID identifies a single event within a ledger. Ordering within a ledger is
// by Timestamp, then Checksum. The zero ID packs to sixteen zero bytes.
type ID struct {
	Timestamp uint64
	Checksum  uint32
	LedgerID  string // 8 lowercase hex chars
}

// New builds an ID from its parts. The ledger id must be 8 hex characters.
func New(timestamp uint64, checksum uint32, ledgerID string) (ID, error) {
	if err := validateLedgerID(ledgerID); err != nil {
		return ID{}, err
	}
	return ID{Timestamp: timestamp, Checksum: checksum, LedgerID: ledgerID}, nil
}

func validateLedgerID(ledgerID string) error {
	if len(ledgerID) != 8 {
		return fmt.Errorf("ledger id must be 8 hex chars, got %q", ledgerID)
	}
	if _, err := hex.DecodeString(ledgerID); err != nil {
		return fmt.Errorf("ledger id %q is not hex: %w", ledgerID, err)
	}
	return nil
}

// Bytes packs the ID big-endian: 8-byte timestamp, 4-byte checksum,
// 4-byte ledger id.
func (id ID) Bytes() []byte {
	b := make([]byte, Size)
	binary.BigEndian.PutUint64(b[0:8], id.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], id.Checksum)
	ledger, _ := hex.DecodeString(id.LedgerID)
	copy(b[12:16], ledger)
	return b
}

// String returns the 32-character lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id.Bytes())
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id.Timestamp == 0 && id.Checksum == 0 && (id.LedgerID == "" || id.LedgerID == "00000000")
}

// Compare orders two IDs by (timestamp, checksum). The ledger id does not
// participate: IDs are only ordered within one ledger.
func (id ID) Compare(other ID) int {
	switch {
	case id.Timestamp < other.Timestamp:
		return -1
	case id.Timestamp > other.Timestamp:
		return 1
	case id.Checksum < other.Checksum:
		return -1
	case id.Checksum > other.Checksum:
		return 1
	}
	return 0
}

// Equal reports full equality including the ledger id.
func (id ID) Equal(other ID) bool {
	return id.Timestamp == other.Timestamp &&
		id.Checksum == other.Checksum &&
		id.LedgerID == other.LedgerID
}

// FromBytes unpacks a 16-byte buffer produced by Bytes.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, fmt.Errorf("event id must be %d bytes, got %d", Size, len(b))
	}
	return ID{
		Timestamp: binary.BigEndian.Uint64(b[0:8]),
		Checksum:  binary.BigEndian.Uint32(b[8:12]),
		LedgerID:  hex.EncodeToString(b[12:16]),
	}, nil
}

// Parse decodes the 32-character hex form.
func Parse(s string) (ID, error) {
	if len(s) != HexSize {
		return ID{}, fmt.Errorf("event id must be %d hex chars, got %d", HexSize, len(s))
	}
	if bytes.ContainsAny([]byte(s), "ABCDEF") {
		return ID{}, fmt.Errorf("event id %q must be lowercase hex", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("event id %q is not hex: %w", s, err)
	}
	return FromBytes(b)
}
