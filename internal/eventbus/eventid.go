package eventbus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// newEventID returns a 128-bit id whose lexicographic order matches
// creation order at millisecond resolution: a 48-bit millisecond timestamp
// followed by 80 bits of random entropy, both hex-encoded with fixed width
// so string comparison equals numeric comparison. Ids created within the
// same millisecond share the timestamp prefix and are ordered by their
// random bytes, not by creation order. No ULID/KSUID library was found anywhere in
// the retrieved corpus, so this is a minimal hand-rolled encoder rather
// than an import of an unvetted dependency (see DESIGN.md).
func newEventID(now time.Time) (string, error) {
	ms := uint64(now.UnixMilli())

	var buf [16]byte
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)

	if _, err := rand.Read(buf[6:]); err != nil {
		return "", fmt.Errorf("eventbus: generating event id: %w", err)
	}

	return hex.EncodeToString(buf[:]), nil
}
