package chat

import (
	"github.com/relaydb/ipcfabric/internal/channel"
	"github.com/relaydb/ipcfabric/internal/codec"
	"github.com/relaydb/ipcfabric/pkg/ipcerr"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// Family bundles one independently-typed request/response protocol that
// can share a FamilyServer's single physical channel with other families.
// Each Family's Req/Resp unions are built and decoded exactly like a
// plain Server's, and must carry the same Address tail via WithTail.
type Family struct {
	Req  *codec.Union
	Resp *codec.Union
}

// FamilyServer generalizes Server to carry more than one independently
// typed protocol over one physical channel, distinguished by a leading
// family-tag byte read before the matching family's own Union decodes the
// rest of the payload. This is how several unrelated message families —
// one set of request/response types per family, not just one set of tags
// within a single shared type — fan out across one listener without each
// needing its own segment.
type FamilyServer struct {
	dir      string
	params   channel.Params
	families map[uint8]Family
	receiver *channel.Receiver
}

// NewFamilyServer opens the well-known server channel at params.PhysicalName,
// sized to carry the largest variant across every registered family plus
// the one-byte family tag.
func NewFamilyServer(dir string, params channel.Params, families map[uint8]Family) (*FamilyServer, error) {
	if len(families) == 0 {
		return nil, ipcerr.New(ipcerr.OsError, "chat.NewFamilyServer", "at least one family is required")
	}

	maxVariant := 0
	for _, f := range families {
		if n := f.Req.MaxPayloadSize(); n > maxVariant {
			maxVariant = n
		}
		if n := f.Resp.MaxPayloadSize(); n > maxVariant {
			maxVariant = n
		}
	}

	recv, err := channel.Open(dir, params, maxVariant+1)
	if err != nil {
		return nil, err
	}

	return &FamilyServer{
		dir:      dir,
		params:   params,
		families: families,
		receiver: recv,
	}, nil
}

// Receive blocks for the next request from any family, returning which
// family it arrived on along with the decoded request and sender
// address.
func (s *FamilyServer) Receive(idle channel.IdleFunc) (familyTag uint8, req codec.Variant, addr Address, ok bool) {
	index, payload, ok := s.receiver.Receive(idle)
	if !ok {
		return 0, nil, Address{}, false
	}
	if len(payload) == 0 {
		log.Error("chat: family server receive: empty payload, missing family tag")
		return 0, nil, Address{}, false
	}

	familyTag = payload[0]
	fam, found := s.families[familyTag]
	if !found {
		log.Error("chat: family server receive: unknown family tag %d", familyTag)
		return 0, nil, Address{}, false
	}

	v, err := fam.Req.Decode(index, payload[1:], &addr)
	if err != nil {
		log.Error("chat: family server receive: decode: %v", err)
		return 0, nil, Address{}, false
	}

	return familyTag, v, addr, true
}

// SendTo replies to addr on familyTag with resp, opening an ephemeral
// Sender toward the client's reverse channel exactly like Server.SendTo.
func (s *FamilyServer) SendTo(familyTag uint8, addr Address, resp codec.Variant, idle channel.IdleFunc) bool {
	fam, found := s.families[familyTag]
	if !found {
		log.Error("chat: family server sendTo: unknown family tag %d", familyTag)
		return false
	}

	index, payload, err := fam.Resp.Encode(addr, resp)
	if err != nil {
		log.Error("chat: family server sendTo: encode: %v", err)
		return false
	}

	framed := make([]byte, 1+len(payload))
	framed[0] = familyTag
	copy(framed[1:], payload)

	replyParams := channel.Params{
		PhysicalName: addr.ReverseChannelName(),
		LogicalName:  "chat-client-reverse",
		Type:         s.params.Type,
		Version:      s.params.Version,
	}

	sender, err := channel.Join(s.dir, replyParams, len(framed))
	if err != nil {
		log.Debug("chat: family server sendTo: %v unreachable: %v", addr, err)
		return false
	}
	defer sender.Close()

	return sender.Send(index, framed, idle)
}

// Disconnect forwards to the underlying Receiver.
func (s *FamilyServer) Disconnect() {
	s.receiver.Disconnect()
}

// Close releases the server's segment.
func (s *FamilyServer) Close() error {
	return s.receiver.Close()
}

// FamilyClient addresses one specific family of a FamilyServer, sharing
// its physical channel with whatever other families that server also
// carries.
type FamilyClient struct {
	addr Address
	tag  uint8
	fam  Family

	sender   *channel.Sender
	receiver *channel.Receiver
}

// DialFamily joins a FamilyServer at serverParams.PhysicalName as family
// tag, sizing both directions from every registered family so the same
// reverse channel can in principle be shared if the embedder ever dials
// more than one family from the same process.
func DialFamily(dir string, serverParams channel.Params, tag uint8, families map[uint8]Family) (*FamilyClient, error) {
	fam, found := families[tag]
	if !found {
		return nil, ipcerr.New(ipcerr.OsError, "chat.DialFamily", "unknown family tag")
	}

	maxReq, maxResp := 0, 0
	for _, f := range families {
		if n := f.Req.MaxPayloadSize(); n > maxReq {
			maxReq = n
		}
		if n := f.Resp.MaxPayloadSize(); n > maxResp {
			maxResp = n
		}
	}

	addr := NewAddress()

	sender, err := channel.Join(dir, serverParams, maxReq+1)
	if err != nil {
		return nil, err
	}

	reverseParams := channel.Params{
		PhysicalName: addr.ReverseChannelName(),
		LogicalName:  "chat-client-reverse",
		Type:         serverParams.Type,
		Version:      serverParams.Version,
	}
	receiver, err := channel.Open(dir, reverseParams, maxResp+1)
	if err != nil {
		sender.Close()
		return nil, err
	}

	return &FamilyClient{
		addr:     addr,
		tag:      tag,
		fam:      fam,
		sender:   sender,
		receiver: receiver,
	}, nil
}

// Address returns the address this client advertises to the server.
func (c *FamilyClient) Address() Address { return c.addr }

// Send delivers req on this client's family, tagging it with the leading
// family byte the server demultiplexes on.
func (c *FamilyClient) Send(req codec.Variant, idle channel.IdleFunc) bool {
	index, payload, err := c.fam.Req.Encode(c.addr, req)
	if err != nil {
		log.Error("chat: family client send: encode: %v", err)
		return false
	}

	framed := make([]byte, 1+len(payload))
	framed[0] = c.tag
	copy(framed[1:], payload)

	return c.sender.Send(index, framed, idle)
}

// Receive blocks for the server's reply on this client's reverse channel.
func (c *FamilyClient) Receive(idle channel.IdleFunc) (resp codec.Variant, ok bool) {
	index, payload, ok := c.receiver.Receive(idle)
	if !ok {
		return nil, false
	}
	if len(payload) == 0 {
		log.Error("chat: family client receive: empty payload, missing family tag")
		return nil, false
	}

	var echoed Address
	v, err := c.fam.Resp.Decode(index, payload[1:], &echoed)
	if err != nil {
		log.Error("chat: family client receive: decode: %v", err)
		return nil, false
	}

	if echoed != c.addr {
		log.Warn("chat: family client receive: reply addressed to %v, not %v", echoed, c.addr)
	}

	return v, true
}

// SendAndReceive is the common request/response round trip on this
// client's family.
func (c *FamilyClient) SendAndReceive(req codec.Variant, idle channel.IdleFunc) (resp codec.Variant, ok bool) {
	if !c.Send(req, idle) {
		return nil, false
	}
	return c.Receive(idle)
}

// Disconnect tears down both the outbound Sender and this client's own
// reverse-channel Receiver; safe from any goroutine.
func (c *FamilyClient) Disconnect() {
	c.sender.Disconnect()
	c.receiver.Disconnect()
}

// Close releases both underlying segments.
func (c *FamilyClient) Close() error {
	if err := c.sender.Close(); err != nil {
		return err
	}
	return c.receiver.Close()
}
