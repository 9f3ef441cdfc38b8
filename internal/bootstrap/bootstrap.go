// Package bootstrap lets one process cause another to invoke a
// registered callback without first sending it a message — a named-event
// equivalent of a lock-downgrade trick, rather than reimplementing a
// cross-process reader/writer lock: this uses a signal.Named pulse per
// attachment.
package bootstrap

import (
	"sync"
	"time"

	"github.com/relaydb/ipcfabric/internal/signal"
)

// Gate is the target process's half: it owns the named signal a requester
// pulses, and runs a background goroutine that lazily invokes ensure on
// every pulse. ensure is expected to be idempotent (create-the-listener-
// if-absent); Gate itself only provides at-least-once wakeup, not
// exactly-once semantics — subsequent requesters find the listener
// already present.
type Gate struct {
	sig  *signal.Named
	stop chan struct{}
	wg   sync.WaitGroup

	started bool
	mu      sync.Mutex
}

// triggerName names the per-attachment bootstrap signal file: stable,
// derived from the attachment identifier.
func triggerName(attachment string) string {
	return "ipc_listener_trigger_" + attachment
}

// Register opens (creating if absent) the per-attachment trigger and
// starts the background goroutine that calls ensure the first time — and
// every time thereafter — a requester pulses it.
func Register(dir, attachment string, ensure func()) (*Gate, error) {
	sig, err := signal.OpenNamed(dir, triggerName(attachment))
	if err != nil {
		return nil, err
	}

	g := &Gate{sig: sig, stop: make(chan struct{})}

	g.wg.Add(1)
	go g.run(ensure)

	return g, nil
}

func (g *Gate) run(ensure func()) {
	defer g.wg.Done()

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		if g.sig.Wait(500 * time.Millisecond) {
			g.sig.Reset()
			g.markStarted()
			ensure()
		}
	}
}

func (g *Gate) markStarted() {
	g.mu.Lock()
	g.started = true
	g.mu.Unlock()
}

// Started reports whether at least one bootstrap request has been
// observed.
func (g *Gate) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// Close stops the background goroutine and unlinks the trigger file. The
// trigger name depends only on the attachment, so a file left behind when
// this step is skipped (e.g. on SIGKILL) is reopened by the next Register
// for the same attachment.
func (g *Gate) Close() error {
	close(g.stop)
	g.wg.Wait()
	return g.sig.Unlink()
}

// Request is the requester's half: it pulses the target attachment's
// trigger and returns immediately without waiting for the target to act
// on it.
func Request(dir, attachment string) error {
	sig, err := signal.OpenNamed(dir, triggerName(attachment))
	if err != nil {
		return err
	}
	sig.Signal()
	return nil
}
