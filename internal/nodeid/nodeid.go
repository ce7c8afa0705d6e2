// Package nodeid generates the per-process identifier every published event
// carries as its emitter, so the subscriber can recognize and drop its own
// echoes.
package nodeid

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Generate returns a fresh random 64-bit node id, read straight from the OS
// CSPRNG. This is the default used at process startup: a new id every run,
// scoped to the lifetime of that one process.
func Generate() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, errors.Wrap(err, "unable to read randomness for node id")
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// FromUUID folds a random UUIDv4 down to 64 bits via xxhash. It is an
// alternative generator to Generate: each call mints its own fresh UUID, so
// it does not accept or reuse a UUID the caller already holds.
func FromUUID() uint64 {
	id := uuid.New()
	return xxhash.Sum64(id[:])
}
