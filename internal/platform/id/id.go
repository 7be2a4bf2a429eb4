// Package id generates the opaque identifiers used for every persisted record.
//
// Real entity ids and per-client fake ids come from the same generator, so a
// client cannot tell from the shape of an id whether it was virtualized.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Length is the length of every generated id.
const Length = 26

// NewID returns a random v4 UUID encoded as 26 lowercase base32 characters.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// Valid reports whether value has the shape of a generated id.
func Valid(value string) bool {
	if len(value) != Length {
		return false
	}
	decoded, err := encoding.DecodeString(strings.ToUpper(value))
	if err != nil || len(decoded) != 16 {
		return false
	}
	return strings.ToLower(value) == value
}
