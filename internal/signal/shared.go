package signal

import (
	"sync/atomic"
	"time"
)

// Shared is the process-shared variant: its flag lives at a fixed offset
// inside a memory-mapped SharedSegment, so every attached process (owner
// and joiners alike) observes the same bytes. There is no kernel object to
// open or clean up — the signal dies with the segment.
//
// Word must point at a uint32 inside shared (mmap'd) memory; the zero value
// is "unset". Shared never allocates its own storage.
type Shared struct {
	word *uint32
}

// NewShared wraps a uint32 slot inside a shared segment's mapped memory.
func NewShared(word *uint32) *Shared {
	return &Shared{word: word}
}

func (s *Shared) Reset() {
	atomic.StoreUint32(s.word, 0)
}

func (s *Shared) Signal() {
	atomic.StoreUint32(s.word, 1)
}

func (s *Shared) Wait(timeout time.Duration) bool {
	return pollWait(timeout, s.isSet)
}

func (s *Shared) isSet() bool {
	return atomic.LoadUint32(s.word) != 0
}
