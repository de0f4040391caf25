// Package uuid provides internal storage key generation.
package uuid

import (
	"github.com/google/uuid"
)

// screeningNamespace scopes name-derived keys for screening results.
var screeningNamespace = uuid.MustParse("6f1c2f7e-3b8a-4c55-9d1e-2a7b9c4e8f10")

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Derive returns a stable UUID v5 for name, so records that arrive without a
// key map to the same key on every pull.
func Derive(name string) string {
	return uuid.NewSHA1(screeningNamespace, []byte(name)).String()
}
