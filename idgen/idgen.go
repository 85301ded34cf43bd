// Package idgen provides the identifier strategies used by the station.
//
// Server-issued scan ids are opaque strings; everything the station mints
// itself goes through a Generator so tests can pin the output.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 v7 UUIDs (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator of base-36 ids of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every id from gen ("met_", "req_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an id with Default.
func New() string {
	return Default()
}

// LocalScanPrefix marks scan ids synthesized on the station for optimistic
// or offline entries, as opposed to ids issued by the backend.
const LocalScanPrefix = "local-"

// LocalScanID builds the idempotency key for a scan the backend has not
// (yet) identified: "local-<actor>-<unix millis>".
func LocalScanID(actor string, at time.Time) string {
	return LocalScanPrefix + actor + "-" + strconv.FormatInt(at.UnixMilli(), 10)
}

// IsLocalScanID reports whether id was minted by LocalScanID.
func IsLocalScanID(id string) bool {
	return strings.HasPrefix(id, LocalScanPrefix)
}

// QueueID builds the offline queue key "<store>:<code>:<unix millis>".
func QueueID(store, code string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", store, code, at.UnixMilli())
}
