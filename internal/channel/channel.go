// Package channel implements a half-duplex Receiver/Sender handshake over
// one shmseg.Segment: at most one message in flight, bounded-timeout
// waits, sender backpressure via the segment's body mutex, and
// thread-safe disconnect from any goroutine.
//
// Channel itself only moves a (discriminator, raw bytes) envelope —
// marshalling a typed message into that envelope is internal/codec's job,
// composed on top by internal/chat.
package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydb/ipcfabric/internal/shmseg"
	"github.com/relaydb/ipcfabric/internal/signal"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// Timeout is the handshake's polling granularity: not a correctness
// parameter, only how quickly disconnect/cancellation is noticed.
const Timeout = 500 * time.Millisecond

// IdleFunc is invoked on every timeout tick while a blocking operation is
// waiting; it gives the embedder a cancellation and scheduling hook. It
// must not itself block or suspend.
type IdleFunc func()

// Params names a channel: PhysicalName derives the segment and signal
// names, LogicalName is a diagnostic label, and (Type, Version) is the
// compatibility tag stored in the segment header.
type Params struct {
	PhysicalName string
	LogicalName  string
	Type         uint16
	Version      uint16
}

type signals struct {
	receiver signal.Signal
	sender   signal.Signal
}

func sharedSignals(seg *shmseg.Segment) signals {
	return signals{
		receiver: signal.NewShared(seg.ReceiverSigWord()),
		sender:   signal.NewShared(seg.SenderSigWord()),
	}
}

// Receiver owns a Segment (always as its creator: a Receiver never joins
// someone else's segment) and serves one side of the handshake. A *local*
// mutex deliberately serializes concurrent Receive calls within this
// process; callers rely on it.
type Receiver struct {
	params     Params
	seg        *shmseg.Segment
	sig        signals
	maxPayload int

	localMu      sync.Mutex
	disconnected atomic.Bool
}

// Open creates the Receiver's segment with room for maxPayload bytes per
// exchange.
func Open(dir string, params Params, maxPayload int) (*Receiver, error) {
	seg, err := shmseg.New(dir, params.PhysicalName, maxPayload,
		shmseg.Params{Type: params.Type, Version: params.Version}, nil)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		params:     params,
		seg:        seg,
		sig:        sharedSignals(seg),
		maxPayload: maxPayload,
	}

	log.Info("channel: receiver open: %v (%v)", params.PhysicalName, params.LogicalName)
	return r, nil
}

// Receive blocks until a message arrives or the receiver disconnects,
// returning the raw (index, payload) envelope. idle is invoked on every
// timeout tick.
func (r *Receiver) Receive(idle IdleFunc) (index uint8, payload []byte, ok bool) {
	r.localMu.Lock()
	defer r.localMu.Unlock()

	if r.disconnected.Load() {
		return 0, nil, false
	}

	flag := r.seg.ReceiverFlagWord()
	for atomic.LoadUint32(flag) == 0 {
		// The sender sets the signal just before the flag, so the wait ends
		// only once the flag itself is observed.
		if r.sig.receiver.Wait(Timeout) && atomic.LoadUint32(flag) != 0 {
			break
		}
		if r.disconnected.Load() {
			return 0, nil, false
		}
		if idle != nil {
			idle()
		}
		if r.disconnected.Load() {
			return 0, nil, false
		}
	}

	r.sig.receiver.Reset()
	atomic.StoreUint32(flag, 0)

	length := r.seg.MessageLen()
	idx := r.seg.MessageIndex()
	body := r.seg.Body()

	if int(length) > len(body) {
		log.Error("channel: receive: corrupt messageLen %d exceeds buffer", length)
		return 0, nil, false
	}

	payload = make([]byte, length)
	copy(payload, body[:length])

	r.sig.sender.Signal()
	atomic.StoreUint32(r.seg.SenderFlagWord(), 1)

	return idx, payload, true
}

// Disconnect tears the channel down; safe to call from any goroutine,
// including one different from whichever is blocked in Receive. It also
// clears the segment's alive flag so blocked Senders abort.
func (r *Receiver) Disconnect() {
	r.disconnected.Store(true)

	r.localMu.Lock()
	r.seg.MarkDead()
	r.localMu.Unlock()

	log.Info("channel: receiver disconnect: %v", r.params.PhysicalName)
}

// Close releases the underlying segment.
func (r *Receiver) Close() error {
	return r.seg.Close()
}

// Segment exposes the underlying shared segment, e.g. so a Sender can be
// built on it with JoinSegment.
func (r *Receiver) Segment() *shmseg.Segment { return r.seg }
func (r *Receiver) Params() Params           { return r.params }
