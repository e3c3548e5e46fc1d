// Package models defines the core data structures shared by the engine, service and RPC layers:
// content identifiers, content references and search records.
package models

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by every layer. They are user-caused; the engine wraps them in a
// classified error before they leave an adapter.
var (
	// ErrInvalidContent reports a missing, malformed or unreadable content reference.
	ErrInvalidContent = errors.New("invalid content")
	// ErrNotFound reports an identifier that is not in the database.
	ErrNotFound = errors.New("not found")
	// ErrDisabled reports an operation that has been turned off by configuration.
	ErrDisabled = errors.New("operation disabled")
)

// IdentifierLen is the length of the hex form of an identifier (SHA-1, 20 bytes).
const IdentifierLen = 40

// Identifier is the content fingerprint used as primary key: lower-case hex SHA-1 of the content bytes.
type Identifier string

// ParseIdentifier validates s and returns it in canonical lower-case form.
func ParseIdentifier(s string) (Identifier, error) {
	if len(s) != IdentifierLen {
		return "", fmt.Errorf("%w: identifier must be %d hex characters, got %d", ErrInvalidContent, IdentifierLen, len(s))
	}
	s = strings.ToLower(s)
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: identifier is not hex: %v", ErrInvalidContent, err)
	}
	return Identifier(s), nil
}

// IsIdentifier reports whether s is a well-formed identifier.
func IsIdentifier(s string) bool {
	_, err := ParseIdentifier(s)
	return err == nil
}

func (id Identifier) String() string {
	return string(id)
}
