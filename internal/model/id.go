package model

import (
	"encoding/hex"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// NewID generates a new ULID string for use as a computer identifier.
func NewID() string {
	return ulid.Make().String()
}

// HashProgram returns the hex BLAKE3 digest of a program's source.
func HashProgram(program string) string {
	sum := blake3.Sum256([]byte(program))
	return hex.EncodeToString(sum[:])
}
