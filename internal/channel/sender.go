package channel

import (
	"sync/atomic"

	"github.com/relaydb/ipcfabric/internal/shmseg"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// Sender is a non-owning attachment to an existing Receiver's Segment.
// Multiple Senders may exist against one Receiver; they serialize against
// each other (and any concurrent sender in another process) via the
// segment's body mutex.
type Sender struct {
	params Params
	seg    *shmseg.Segment
	sig    signals

	disconnected atomic.Bool
}

// Join attaches to an existing Receiver's segment by name. If no segment
// exists yet, Join creates one and immediately marks it dead, so every Send
// on the returned Sender fails.
func Join(dir string, params Params, maxPayload int) (*Sender, error) {
	seg, err := shmseg.New(dir, params.PhysicalName, maxPayload,
		shmseg.Params{Type: params.Type, Version: params.Version}, nil)
	if err != nil {
		return nil, err
	}
	if seg.IsOwner() {
		// We raced the Receiver and created the segment ourselves; that
		// means no Receiver exists yet. Treat this exactly like any other
		// missing peer: the caller's send attempt will find alive==0 once
		// it starts polling... but since we just set it up, force it dead
		// immediately so Send fails cleanly rather than hanging.
		seg.MarkDead()
		log.Warn("channel: sender joined as accidental owner (no receiver yet): %v", params.PhysicalName)
	}

	return &Sender{
		params: params,
		seg:    seg,
		sig:    sharedSignals(seg),
	}, nil
}

// JoinSegment builds a Sender directly on top of an already-open Segment,
// for a Sender living in the same process as the Segment's holder. It does
// not bump the Segment's reference count; the Sender's Close releases one
// reference. Nothing in this module calls it; internal/chat uses Join.
func JoinSegment(params Params, seg *shmseg.Segment) *Sender {
	return &Sender{params: params, seg: seg, sig: sharedSignals(seg)}
}

// Send delivers one (index, payload) envelope, blocking until the receiver
// acknowledges it, the channel is found dead, or this Sender is locally
// disconnected. idle is invoked on every timeout tick.
func (s *Sender) Send(index uint8, payload []byte, idle IdleFunc) bool {
	if s.disconnected.Load() {
		return false
	}

	for {
		if s.seg.TryLock(Timeout) {
			break
		}
		if !s.seg.Alive() {
			s.disconnected.Store(true)
			return false
		}
		if s.disconnected.Load() {
			return false
		}
		if idle != nil {
			idle()
		}
	}
	defer s.seg.Unlock()

	if !s.seg.Alive() || s.disconnected.Load() {
		return false
	}

	body := s.seg.Body()
	if len(payload) > len(body) {
		log.Error("channel: send: payload %d exceeds segment capacity %d", len(payload), len(body))
		return false
	}

	copy(body, payload)
	s.seg.SetMessageLenAndIndex(uint16(len(payload)), index)

	s.sig.receiver.Signal()
	atomic.StoreUint32(s.seg.ReceiverFlagWord(), 1)

	senderFlag := s.seg.SenderFlagWord()
	for atomic.LoadUint32(senderFlag) == 0 {
		// The receiver sets the signal just before the flag, so the wait
		// ends only once the flag itself is observed.
		if s.sig.sender.Wait(Timeout) && atomic.LoadUint32(senderFlag) != 0 {
			break
		}
		if !s.seg.Alive() {
			s.disconnected.Store(true)
			return false
		}
		if s.disconnected.Load() {
			return false
		}
		if idle != nil {
			idle()
		}
	}

	s.sig.sender.Reset()
	atomic.StoreUint32(senderFlag, 0)

	return true
}

// Disconnect marks this Sender locally disconnected; safe from any
// goroutine, including one blocked in Send.
func (s *Sender) Disconnect() {
	s.disconnected.Store(true)
}

// Close releases this Sender's reference to the underlying segment.
func (s *Sender) Close() error {
	return s.seg.Close()
}
