// Package account provides the account identity and settings types shared by
// the sync engine, the state store, and the CLI shell.
//
// The central type is HashedID: a one-way SHA-256 digest of the provider's
// account identifier. Everything downstream of the authenticator (logs,
// database rows, progress events) keys accounts by HashedID so the plain
// provider identifier never reaches disk or log output.
//
// This is a leaf package with zero external dependencies beyond stdlib.
package account

import (
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding"
	"encoding/hex"
	"fmt"
	"strings"
)

// hashedIDHexLength is the length of a hex-encoded SHA-256 digest.
const hashedIDHexLength = 64

// shortIDLength is the prefix length used by Short() for log-friendly output.
const shortIDLength = 12

// HashedID is the stable, log-safe account key: hex-encoded SHA-256 of the
// provider account identifier. The zero value (HashedID{}) represents an
// absent or unknown account.
type HashedID struct {
	value string
}

// HashID derives a HashedID from a raw provider account identifier. The raw
// identifier is trimmed and lowercased before hashing so normalization
// differences at the provider boundary cannot fork one account into two keys.
// Empty input returns the zero HashedID.
func HashID(raw string) HashedID {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return HashedID{}
	}

	sum := sha256.Sum256([]byte(normalized))

	return HashedID{value: hex.EncodeToString(sum[:])}
}

// ParseHashedID validates an already-hashed identifier (e.g. read back from
// the database or a config file) and returns it as a HashedID. Input must be
// 64 lowercase hex characters. Empty input returns the zero HashedID.
func ParseHashedID(s string) (HashedID, error) {
	if s == "" {
		return HashedID{}, nil
	}

	if len(s) != hashedIDHexLength {
		return HashedID{}, fmt.Errorf("account: hashed id must be %d hex chars, got %d", hashedIDHexLength, len(s))
	}

	lower := strings.ToLower(s)
	if _, err := hex.DecodeString(lower); err != nil {
		return HashedID{}, fmt.Errorf("account: hashed id is not hex: %w", err)
	}

	return HashedID{value: lower}, nil
}

// String returns the full hex digest.
func (id HashedID) String() string {
	return id.value
}

// Short returns a 12-character prefix of the digest for compact log output.
// Returns "-" for the zero HashedID.
func (id HashedID) Short() string {
	if id.IsZero() {
		return "-"
	}

	return id.value[:shortIDLength]
}

// IsZero reports whether this is the zero-value HashedID.
func (id HashedID) IsZero() bool {
	return id.value == ""
}

// Equal reports whether two HashedIDs are identical.
func (id HashedID) Equal(other HashedID) bool {
	return id.value == other.value
}

// MarshalText implements encoding.TextMarshaler.
func (id HashedID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The input must be a
// valid hex digest, matching ParseHashedID.
func (id *HashedID) UnmarshalText(text []byte) error {
	parsed, err := ParseHashedID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Scan implements sql.Scanner for reading hashed IDs from SQLite. SQL NULL
// produces the zero HashedID.
func (id *HashedID) Scan(src any) error {
	if src == nil {
		*id = HashedID{}
		return nil
	}

	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("account: cannot scan %T into HashedID", src)
	}

	parsed, err := ParseHashedID(s)
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Value implements driver.Valuer for writing hashed IDs to SQLite.
func (id HashedID) Value() (driver.Value, error) {
	return id.value, nil
}

// Compile-time interface checks.
var (
	_ encoding.TextMarshaler   = HashedID{}
	_ encoding.TextUnmarshaler = (*HashedID)(nil)
	_ sql.Scanner              = (*HashedID)(nil)
	_ driver.Valuer            = HashedID{}
)
