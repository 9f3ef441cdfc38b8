package chat

import (
	"github.com/relaydb/ipcfabric/internal/channel"
	"github.com/relaydb/ipcfabric/internal/codec"
	log "github.com/relaydb/ipcfabric/pkg/minilog"
)

// Client owns a Sender toward a server's well-known channel and a Receiver
// that creates its own private reverse-channel segment, named from its own
// Address. reqUnion/respUnion must be the same Union values (built with
// WithTail(Address{})) the paired Server uses.
type Client struct {
	addr Address

	reqUnion  *codec.Union
	respUnion *codec.Union

	sender   *channel.Sender
	receiver *channel.Receiver
}

// Dial joins the server at serverParams.PhysicalName and opens this
// client's own reverse channel, named per the ipc_chat_client_<pid>_<uid>
// scheme, under the same directory.
func Dial(dir string, serverParams channel.Params, reqUnion, respUnion *codec.Union) (*Client, error) {
	addr := NewAddress()

	sender, err := channel.Join(dir, serverParams, reqUnion.MaxPayloadSize())
	if err != nil {
		return nil, err
	}

	reverseParams := channel.Params{
		PhysicalName: addr.ReverseChannelName(),
		LogicalName:  "chat-client-reverse",
		Type:         serverParams.Type,
		Version:      serverParams.Version,
	}
	receiver, err := channel.Open(dir, reverseParams, respUnion.MaxPayloadSize())
	if err != nil {
		sender.Close()
		return nil, err
	}

	return &Client{
		addr:      addr,
		reqUnion:  reqUnion,
		respUnion: respUnion,
		sender:    sender,
		receiver:  receiver,
	}, nil
}

// Address returns the address this client advertises to the server in
// every request's tail.
func (c *Client) Address() Address { return c.addr }

// Send delivers req to the server, tagging it with this client's Address.
func (c *Client) Send(req codec.Variant, idle channel.IdleFunc) bool {
	index, payload, err := c.reqUnion.Encode(c.addr, req)
	if err != nil {
		log.Error("chat: client send: encode: %v", err)
		return false
	}
	return c.sender.Send(index, payload, idle)
}

// Receive blocks for the server's reply on this client's reverse channel.
func (c *Client) Receive(idle channel.IdleFunc) (resp codec.Variant, ok bool) {
	index, payload, ok := c.receiver.Receive(idle)
	if !ok {
		return nil, false
	}

	var echoed Address
	v, err := c.respUnion.Decode(index, payload, &echoed)
	if err != nil {
		log.Error("chat: client receive: decode: %v", err)
		return nil, false
	}

	// The server echoes the request's address back in the reply's tail; a
	// mismatch means a stray delivery on our private reverse channel.
	if echoed != c.addr {
		log.Warn("chat: client receive: reply addressed to %v, not %v", echoed, c.addr)
	}

	return v, true
}

// SendAndReceive is the common request/response round trip: send req, then
// block for exactly one reply.
func (c *Client) SendAndReceive(req codec.Variant, idle channel.IdleFunc) (resp codec.Variant, ok bool) {
	if !c.Send(req, idle) {
		return nil, false
	}
	return c.Receive(idle)
}

// Disconnect tears down both the outbound Sender and this client's own
// reverse-channel Receiver; safe from any goroutine.
func (c *Client) Disconnect() {
	c.sender.Disconnect()
	c.receiver.Disconnect()
}

// Close releases both underlying segments.
func (c *Client) Close() error {
	if err := c.sender.Close(); err != nil {
		return err
	}
	return c.receiver.Close()
}
