// Package codec implements a tagged-union wire format: a fixed, 0-based
// discriminator plus the raw bytes of exactly one POD alternative,
// optionally prefixed by a fixed tail shared by every message regardless
// of discriminator.
//
// Go has no stable-layout sum type, so we model the tagged union as a
// closed-set interface with a handwritten discriminator table, and lay out
// each alternative with encoding/binary (fixed LittleEndian byte order)
// rather than unsafe memcpy.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/relaydb/ipcfabric/pkg/ipcerr"
)

// Variant is implemented by every alternative of a tagged union. Tag is a
// small closed set of 0-based discriminators; Variant values must encode
// to a fixed-size byte span via encoding/binary, i.e. contain only fixed
// integers, fixed-size arrays of such, and nested structs of the same
// shape — no strings, slices, maps, or pointers.
type Variant interface {
	// VariantTag returns this alternative's 0-based discriminator.
	VariantTag() uint8
}

// Factory returns a pointer to a new, zero-valued instance of one
// alternative, used by Decode to materialize the value selected by an
// incoming discriminator. It must return a pointer (binary.Read needs one
// to decode into).
type Factory func() Variant

// Union describes a closed set of alternatives sharing one discriminator
// space, plus the MaxPayloadSize derived from them at construction. An
// optional fixed tail (set via WithTail) is carried in every exchange
// regardless of discriminator, laid out as [tail][variant].
type Union struct {
	factories      []Factory
	sizes          []int
	tailSize       int
	hasTail        bool
	maxPayloadSize int
}

// New builds a Union from an ordered list of per-tag factories; factories
// must be supplied in tag order (factories[i]().VariantTag() == uint8(i)).
func New(factories ...Factory) (*Union, error) {
	if len(factories) == 0 {
		return nil, ipcerr.New(ipcerr.OsError, "codec.New", "union must have at least one alternative")
	}
	if len(factories) > 256 {
		return nil, ipcerr.New(ipcerr.OsError, "codec.New", "union cannot have more than 256 alternatives")
	}

	u := &Union{factories: factories, sizes: make([]int, len(factories))}

	for i, f := range factories {
		v := f()
		if v.VariantTag() != uint8(i) {
			return nil, ipcerr.New(ipcerr.OsError, "codec.New",
				fmt.Sprintf("factory %d produced variant with tag %d", i, v.VariantTag()))
		}
		size, err := sizeOf(v)
		if err != nil {
			return nil, err
		}
		u.sizes[i] = size
		if size > u.maxPayloadSize {
			u.maxPayloadSize = size
		}
	}

	if u.maxPayloadSize > maxStaticPayload {
		return nil, ipcerr.New(ipcerr.OsError, "codec.New", "variant exceeds 65535-byte static bound")
	}

	return u, nil
}

// maxStaticPayload is the static assertion every variant must satisfy:
// N <= 65535.
const maxStaticPayload = 65535

// WithTail attaches a fixed POD tail, carried as a fixed-size prefix in
// every encoded message. tail must itself encode to a fixed size via
// encoding/binary.
func (u *Union) WithTail(zero interface{}) (*Union, error) {
	size, err := sizeOfAny(zero)
	if err != nil {
		return nil, err
	}
	u.tailSize = size
	u.hasTail = true
	if u.tailSize+u.maxPayloadSize > maxStaticPayload {
		return nil, ipcerr.New(ipcerr.OsError, "codec.WithTail", "tail+variant exceeds 65535-byte static bound")
	}
	return u, nil
}

// MaxPayloadSize is the compile-time upper bound on the bytes Encode will
// ever produce, tail included.
func (u *Union) MaxPayloadSize() int {
	return u.tailSize + u.maxPayloadSize
}

// Encode returns the 0-based discriminator and the raw bytes for msg
// (tail bytes first, if this Union has one).
func (u *Union) Encode(tail interface{}, msg Variant) (index uint8, payload []byte, err error) {
	tag := msg.VariantTag()
	if int(tag) >= len(u.factories) {
		return 0, nil, ipcerr.New(ipcerr.InvalidMessage, "codec.Encode", "tag out of range")
	}

	var buf bytes.Buffer
	if u.hasTail {
		if err := binary.Write(&buf, binary.LittleEndian, tail); err != nil {
			return 0, nil, ipcerr.Wrap(ipcerr.InvalidMessage, "codec.Encode", "encoding tail", err)
		}
	}
	if err := binary.Write(&buf, binary.LittleEndian, msg); err != nil {
		return 0, nil, ipcerr.Wrap(ipcerr.InvalidMessage, "codec.Encode", "encoding variant", err)
	}

	want := u.tailSize + u.sizes[tag]
	if buf.Len() != want {
		return 0, nil, ipcerr.New(ipcerr.InvalidMessage, "codec.Encode",
			fmt.Sprintf("encoded %d bytes, expected %d", buf.Len(), want))
	}

	return tag, buf.Bytes(), nil
}

// Decode selects alternative index and fills it in from payload (tail
// bytes first, if this Union has one). tailOut, when non-nil, must be a
// pointer to the same type used in WithTail.
func (u *Union) Decode(index uint8, payload []byte, tailOut interface{}) (Variant, error) {
	if int(index) >= len(u.factories) {
		return nil, ipcerr.New(ipcerr.InvalidMessage, "codec.Decode", "tag out of range")
	}

	want := u.tailSize + u.sizes[index]
	if len(payload) != want {
		return nil, ipcerr.New(ipcerr.InvalidMessage, "codec.Decode",
			fmt.Sprintf("payload is %d bytes, expected %d", len(payload), want))
	}

	r := bytes.NewReader(payload)

	if u.hasTail {
		if tailOut == nil {
			return nil, ipcerr.New(ipcerr.InvalidMessage, "codec.Decode", "union has a tail but no tailOut given")
		}
		if err := binary.Read(r, binary.LittleEndian, tailOut); err != nil {
			return nil, ipcerr.Wrap(ipcerr.InvalidMessage, "codec.Decode", "decoding tail", err)
		}
	}

	v := u.factories[index]()
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, ipcerr.Wrap(ipcerr.InvalidMessage, "codec.Decode", "decoding variant", err)
	}

	return v, nil
}

func sizeOf(v Variant) (int, error) {
	return sizeOfAny(v)
}

func sizeOfAny(v interface{}) (int, error) {
	n := binary.Size(v)
	if n < 0 {
		return 0, ipcerr.New(ipcerr.OsError, "codec.sizeOfAny",
			fmt.Sprintf("%T is not a fixed-size POD type (strings/slices/maps/pointers are not permitted)", v))
	}
	return n, nil
}
