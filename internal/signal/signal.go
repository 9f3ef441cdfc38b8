// Package signal implements a one-bit, level-held, cross-process event:
// reset, signal, and a timed wait that re-checks the flag on every wakeup
// (spurious wakeups are allowed). A set signal stays set until Reset.
//
// Two implementations are provided. Shared embeds its flag directly in a
// memory-mapped segment and is polled rather than blocked on — the flag is
// checked every 10ms until the deadline, rather than reaching for cgo or a
// Linux-only futex syscall. Named is backed by a small file under
// a well-known directory, addressable by name and independent of the
// segment's own lifetime, so it survives the owning segment disappearing
// out from under a peer.
package signal

import (
	"time"

	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// pollInterval is the fallback polling granularity: the wait loop may
// observe a signal (or a timeout) up to this long after it actually
// occurred.
const pollInterval = 10 * time.Millisecond

// Signal is the common interface implemented by Shared and Named.
type Signal interface {
	// Reset clears the signal.
	Reset()
	// Signal sets the signal and wakes every waiter.
	Signal()
	// Wait blocks until the signal is set or timeout elapses, returning
	// true in the former case. It re-checks the flag on every wakeup.
	Wait(timeout time.Duration) bool
}

// pollWait is the polling loop shared by both implementations: it calls
// isSet every pollInterval (or sooner, capped by the remaining timeout)
// until isSet reports true or the deadline passes.
func pollWait(timeout time.Duration, isSet func() bool) bool {
	start := time.Now()
	defer warnSlowWait("pollWait", start)

	if isSet() {
		return true
	}

	deadline := start.Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return isSet()
		}

		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		time.Sleep(sleep)

		if isSet() {
			return true
		}
	}
}

func warnSlowWait(op string, start time.Time) {
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		log.Warn("signal.%s: wait took %v", op, elapsed)
	}
}
