package ipc

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	appErr "orbishost/pkg/errors"
)

// Wire format: a 4-byte big-endian length prefix followed by a CBOR
// envelope {kind, body}. The body is the CBOR encoding of the variant
// payload. Deterministic encoding keeps frames byte-stable for
// identical messages.

const framePrefixSize = 4

type envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Encode serializes a message into an unprefixed envelope.
func Encode(msg Message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.EncodeFailed, "encode %s body", msg.Kind())
	}
	data, err := encMode.Marshal(envelope{Kind: msg.Kind(), Body: body})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.EncodeFailed, "encode %s envelope", msg.Kind())
	}
	return data, nil
}

// Decode parses an unprefixed envelope back into its variant.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, appErr.Wrap(err, appErr.DecodeFailed)
	}
	msg := newMessage(env.Kind)
	if msg == nil {
		return nil, appErr.Newf(appErr.ProtocolError, "unknown message kind %d", uint8(env.Kind))
	}
	if len(env.Body) > 0 {
		if err := decMode.Unmarshal(env.Body, msg); err != nil {
			return nil, appErr.Wrapf(err, appErr.DecodeFailed, "decode %s body", env.Kind)
		}
	}
	return msg, nil
}

// WriteFrame encodes msg and writes it with its length prefix. A
// message larger than max is refused before any bytes hit the wire so
// the peer never sees a frame it would reject.
func WriteFrame(w io.Writer, msg Message, max int) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(data) > max {
		return appErr.Newf(appErr.ProtocolError, "message too large: %d bytes (max %d)", len(data), max)
	}

	buf := make([]byte, framePrefixSize+len(data))
	binary.BigEndian.PutUint32(buf[:framePrefixSize], uint32(len(data)))
	copy(buf[framePrefixSize:], data)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed message. A declared length of
// zero or above max is rejected before the body buffer is allocated,
// so a hostile peer cannot force a large allocation with a small
// prefix.
func ReadFrame(r io.Reader, max int) (Message, error) {
	var prefix [framePrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, appErr.New(appErr.ProtocolError).WithMessage("zero-length frame")
	}
	if int(length) > max {
		return nil, appErr.Newf(appErr.ProtocolError, "message too large: %d bytes (max %d)", length, max)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return Decode(data)
}
