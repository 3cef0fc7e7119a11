package domain

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a prefixed, time-ordered ULID such as "txn_01J9...".
func NewID(prefix string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return prefix + "_" + id.String()
}

// ID prefixes
const (
	PrefixAccount     = "acc"
	PrefixTransaction = "txn"
	PrefixEntry       = "ent"
	PrefixHold        = "hld"
	PrefixPayment     = "pay"
	PrefixWebhook     = "whk"
)
