// Package idgen produces opaque, process-unique identifiers for orders
// and bus requests using Keccak256 hashing of a monotonic counter, the
// wall clock, and a random salt.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

var counter atomic.Uint64

// NewOrderID returns an opaque id for an order entering the pipeline on
// ingress, when the producer did not supply one. It hashes a monotonic
// counter, the wall clock, and a random salt so ids never collide across
// a process lifetime, so ids never repeat for the life of the process.
func NewOrderID() string {
	return newID("ord")
}

// NewRequestID returns an opaque id for a bus request/response
// correlation. Kept distinct from NewOrderID so log greps can tell
// the two id spaces apart at a glance.
func NewRequestID() string {
	return newID("req")
}

func newID(prefix string) string {
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)

	seq := counter.Add(1)
	data := fmt.Sprintf("%s|%d|%d", prefix, time.Now().UnixNano(), seq)
	hash := crypto.Keccak256(append([]byte(data), salt...))
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(hash[:12]))
}
