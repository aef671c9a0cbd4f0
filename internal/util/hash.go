// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Fingerprint returns an 8 hex digit FNV-1a tag for a relay text. Surrounding
// whitespace is ignored so a pasted copy matches the original. The tag only
// helps operators compare copies by eye; it is not a checksum the peer verifies.
func Fingerprint(text string) string {
	h := fnv.New32a()
	h.Write([]byte(strings.TrimSpace(text)))
	return fmt.Sprintf("%08x", h.Sum32())
}
