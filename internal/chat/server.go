package chat

import (
	"github.com/relaydb/ipcfabric/internal/channel"
	"github.com/relaydb/ipcfabric/internal/codec"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// Server wraps one Receiver whose message type is pair<Req, Address>:
// requests arrive tagged with the sender's reverse-channel address, so
// Server can reply without ever tracking which clients exist.
//
// reqUnion and respUnion must each have been built with WithTail(Address{})
// — that tail carries the (pid, uid) address both directions: every
// client request carries the client's address in the fixed tail, and
// replies carry the same address back.
type Server struct {
	dir    string
	params channel.Params

	reqUnion  *codec.Union
	respUnion *codec.Union

	receiver *channel.Receiver
}

// NewServer opens the well-known server channel at params.PhysicalName.
func NewServer(dir string, params channel.Params, reqUnion, respUnion *codec.Union) (*Server, error) {
	maxPayload := reqUnion.MaxPayloadSize()
	if respUnion.MaxPayloadSize() > maxPayload {
		maxPayload = respUnion.MaxPayloadSize()
	}

	recv, err := channel.Open(dir, params, maxPayload)
	if err != nil {
		return nil, err
	}

	return &Server{
		dir:       dir,
		params:    params,
		reqUnion:  reqUnion,
		respUnion: respUnion,
		receiver:  recv,
	}, nil
}

// Receive blocks for the next request, decoding both the request variant
// and the requester's reverse-channel Address from its tail.
func (s *Server) Receive(idle channel.IdleFunc) (req codec.Variant, addr Address, ok bool) {
	index, payload, ok := s.receiver.Receive(idle)
	if !ok {
		return nil, Address{}, false
	}

	v, err := s.reqUnion.Decode(index, payload, &addr)
	if err != nil {
		log.Error("chat: server receive: decode: %v", err)
		return nil, Address{}, false
	}

	return v, addr, true
}

// SendTo replies to addr with resp, opening an ephemeral Sender toward the
// client's reverse channel and dropping it once the send completes (or
// fails). A dead or never-existing client simply makes this return
// false — no crash, no leak.
func (s *Server) SendTo(addr Address, resp codec.Variant, idle channel.IdleFunc) bool {
	index, payload, err := s.respUnion.Encode(addr, resp)
	if err != nil {
		log.Error("chat: server sendTo: encode: %v", err)
		return false
	}

	replyParams := channel.Params{
		PhysicalName: addr.ReverseChannelName(),
		LogicalName:  "chat-client-reverse",
		Type:         s.params.Type,
		Version:      s.params.Version,
	}

	sender, err := channel.Join(s.dir, replyParams, s.respUnion.MaxPayloadSize())
	if err != nil {
		log.Debug("chat: server sendTo: %v unreachable: %v", addr, err)
		return false
	}
	defer sender.Close()

	return sender.Send(index, payload, idle)
}

// Disconnect forwards to the underlying Receiver; may run concurrently
// with an in-flight Receive/SendTo.
func (s *Server) Disconnect() {
	s.receiver.Disconnect()
}

// Close releases the server's segment.
func (s *Server) Close() error {
	return s.receiver.Close()
}
