// Package idgen generates the prefixed opaque identifiers used across the
// store. Every entity id carries a short type prefix (wf_, tk_, ws_, ...) so
// a bare id in a log line or an agent transcript is self-describing.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes.
const (
	PrefixWorkflow   = "wf"
	PrefixTask       = "tk"
	PrefixWorkspace  = "ws"
	PrefixAgent      = "ag"
	PrefixSession    = "ss"
	PrefixMessage    = "msg"
	PrefixCheckpoint = "cp"
)

// New returns a prefixed identifier like "tk_018f3a...". The random part is a
// UUIDv7 with dashes stripped, so ids created by one process sort roughly by
// creation time. Falls back to a random UUIDv4 if v7 generation fails.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}

// HasPrefix reports whether id carries the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
