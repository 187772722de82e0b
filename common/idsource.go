package common

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// IDSource produces fresh opaque 32-byte identifiers for proofs and batches.
type IDSource interface {
	NewID() (Hash, error)
}

type readerIDSource struct {
	r io.Reader
}

// NewIDSource draws identifiers from r. A nil reader means crypto/rand.
func NewIDSource(r io.Reader) IDSource {
	if r == nil {
		r = rand.Reader
	}
	return &readerIDSource{r: r}
}

func (s *readerIDSource) NewID() (Hash, error) {
	var h Hash
	if _, err := io.ReadFull(s.r, h[:]); err != nil {
		return Hash{}, fmt.Errorf("read id: %w", err)
	}
	return h, nil
}

// DeterministicIDSource hands out Keccak256(seed || counter).
type DeterministicIDSource struct {
	mu      sync.Mutex
	seed    []byte
	counter uint64
}

func NewDeterministicIDSource(seed string) *DeterministicIDSource {
	return &DeterministicIDSource{seed: []byte(seed)}
}

func (s *DeterministicIDSource) NewID() (Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], s.counter)
	return Keccak256(s.seed, ctr[:]), nil
}

// Clock returns the current time. Injected so timestamps are reproducible in tests.
type Clock func() time.Time

// NowMillis converts c() into signed milliseconds since epoch. A nil clock is the wall clock.
func (c Clock) NowMillis() int64 {
	if c == nil {
		return time.Now().UnixMilli()
	}
	return c().UnixMilli()
}

// FixedClock returns a clock stuck at t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
