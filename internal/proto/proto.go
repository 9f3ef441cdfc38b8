// Package proto defines the demonstration request/response protocol
// exercised by cmd/chatd and cmd/chatctl: an authorization handshake
// followed by a small command set, laid out as fixed-size,
// plain-old-data codec.Variant structs.
package proto

import (
	"github.com/relaydb/ipcfabric/internal/chat"
	"github.com/relaydb/ipcfabric/internal/codec"
)

// Request tags.
const (
	TagCheckUser uint8 = iota
	TagPing
	TagEcho
	TagStats
)

// Response tags.
const (
	TagAck uint8 = iota
	TagPong
	TagEchoed
	TagStatsReply
	TagException
)

// userNameSize bounds CheckUserRequest.UserName: one byte more than the
// 63-byte identifier cap used elsewhere in this module.
const userNameSize = 64

// CheckUserRequest is the client's first message on a channel: the server
// authorizes UserName before dispatching anything else.
type CheckUserRequest struct {
	UserName [userNameSize]byte
}

func NewCheckUserRequest(user string) CheckUserRequest {
	var r CheckUserRequest
	copy(r.UserName[:], user)
	return r
}

func (CheckUserRequest) VariantTag() uint8 { return TagCheckUser }

// RequestedUser implements listener.UserIdentifier.
func (r CheckUserRequest) RequestedUser() string {
	return cstring(r.UserName[:])
}

// Ack answers a successful CheckUserRequest.
type Ack struct{}

func (Ack) VariantTag() uint8 { return TagAck }

// PingRequest carries no data; the listener answers with the server's pid.
type PingRequest struct{}

func (PingRequest) VariantTag() uint8 { return TagPing }

type PongResponse struct {
	ServerPid uint32
}

func (PongResponse) VariantTag() uint8 { return TagPong }

const echoSize = 256

// EchoRequest asks the listener to return Payload unchanged (chatctl's
// -cmd echo).
type EchoRequest struct {
	Length  uint16
	Payload [echoSize]byte
}

func NewEchoRequest(payload string) EchoRequest {
	var r EchoRequest
	n := copy(r.Payload[:], payload)
	r.Length = uint16(n)
	return r
}

func (EchoRequest) VariantTag() uint8 { return TagEcho }

type EchoResponse struct {
	Length  uint16
	Payload [echoSize]byte
}

func (EchoResponse) VariantTag() uint8 { return TagEchoed }

func (r EchoResponse) String() string {
	return cstring(r.Payload[:r.Length])
}

// StatsRequest asks the listener for a running count of requests served.
type StatsRequest struct{}

func (StatsRequest) VariantTag() uint8 { return TagStats }

type StatsResponse struct {
	RequestsServed uint64
}

func (StatsResponse) VariantTag() uint8 { return TagStatsReply }

const exceptionSize = 256

// ExceptionResponse carries a formatted exception text back to the client
// in place of a normal reply.
type ExceptionResponse struct {
	Length  uint16
	Message [exceptionSize]byte
}

func NewExceptionResponse(msg string) ExceptionResponse {
	var r ExceptionResponse
	n := copy(r.Message[:], msg)
	r.Length = uint16(n)
	return r
}

func (ExceptionResponse) VariantTag() uint8 { return TagException }

func (r ExceptionResponse) Error() string {
	return cstring(r.Message[:r.Length])
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// BuildRequestUnion returns the codec.Union describing every request
// variant above, each exchange carrying the requester's chat.Address in
// its fixed tail.
func BuildRequestUnion() (*codec.Union, error) {
	u, err := codec.New(
		func() codec.Variant { return &CheckUserRequest{} },
		func() codec.Variant { return &PingRequest{} },
		func() codec.Variant { return &EchoRequest{} },
		func() codec.Variant { return &StatsRequest{} },
	)
	if err != nil {
		return nil, err
	}
	return u.WithTail(chat.Address{})
}

// BuildResponseUnion mirrors BuildRequestUnion for the response side; the
// tail on a response carries the same Address the request arrived with,
// letting a client correlate a reply to the request that provoked it.
func BuildResponseUnion() (*codec.Union, error) {
	u, err := codec.New(
		func() codec.Variant { return &Ack{} },
		func() codec.Variant { return &PongResponse{} },
		func() codec.Variant { return &EchoResponse{} },
		func() codec.Variant { return &StatsResponse{} },
		func() codec.Variant { return &ExceptionResponse{} },
	)
	if err != nil {
		return nil, err
	}
	return u.WithTail(chat.Address{})
}
