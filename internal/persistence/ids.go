package persistence

import (
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// IDGenerator produces opaque ids for transactions and file handles.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// maxIDAttempts bounds regeneration when a generator hands out an id that
// is still live.
const maxIDAttempts = 8

// uniqueID draws ids from gen until taken reports false.
func uniqueID(gen IDGenerator, taken func(string) bool) (string, bool) {
	for i := 0; i < maxIDAttempts; i++ {
		id := gen.Generate()
		if !taken(id) {
			return id, true
		}
	}
	return "", false
}

// normalizeAlias puts aliases in NFC so equivalent Unicode spellings name
// the same entry.
func normalizeAlias(alias string) string {
	return norm.NFC.String(alias)
}
