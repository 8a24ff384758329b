// Package protocol implements the Arrow wire format: fixed-header frames
// that multiplex many service sessions over a single ordered stream.
//
// Frame: [1B version][2B service][4B session][4B payload size] big-endian,
// payload bytes following immediately. Only the low 24 bits of the session
// id are meaningful; the top 8 are zero on the wire.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the exact width of an encoded ArrowMessageHeader.
const HeaderLen = 11

// sessionMask keeps the meaningful low 24 bits of a session id.
const sessionMask = 1<<24 - 1

// MaskSession clips a session id to the 24 bits that exist on the wire.
func MaskSession(id uint32) uint32 { return id & sessionMask }

// ArrowMessageHeader is the fixed preamble of every frame.
type ArrowMessageHeader struct {
	Version uint8
	Service uint16
	Session uint32

	// size is the payload length declared on the wire. Only the codec sets
	// it, so it cannot disagree with the payload actually sent.
	size uint32
}

func newArrowMessageHeader(service uint16, session, size uint32) ArrowMessageHeader {
	return ArrowMessageHeader{
		Version: Version(),
		Service: service,
		Session: session & sessionMask,
		size:    size,
	}
}

// PayloadSize reports the payload length the header declares.
func (h ArrowMessageHeader) PayloadSize() uint32 { return h.size }

// Encode appends the 11-byte wire form of the header to buf.
func (h ArrowMessageHeader) Encode(buf *Buffer) {
	var scratch [HeaderLen]byte
	scratch[0] = h.Version
	binary.BigEndian.PutUint16(scratch[1:3], h.Service)
	binary.BigEndian.PutUint32(scratch[3:7], h.Session&sessionMask)
	binary.BigEndian.PutUint32(scratch[7:11], h.size)
	buf.Write(scratch[:])
}

// DecodeHeader parses exactly HeaderLen bytes into a header. Callers slice
// precisely; any other length is a programming error and panics. A version
// other than Version() yields a DecodeError.
func DecodeHeader(data []byte) (ArrowMessageHeader, error) {
	if len(data) != HeaderLen {
		panic(fmt.Sprintf("protocol: DecodeHeader needs exactly %d bytes, got %d", HeaderLen, len(data)))
	}
	h := ArrowMessageHeader{
		Version: data[0],
		Service: binary.BigEndian.Uint16(data[1:3]),
		Session: binary.BigEndian.Uint32(data[3:7]) & sessionMask,
		size:    binary.BigEndian.Uint32(data[7:11]),
	}
	if h.Version != Version() {
		return ArrowMessageHeader{}, decodeErrorf("%w: got %d, want %d", ErrUnsupportedVersion, h.Version, Version())
	}
	return h, nil
}

// ArrowMessage is one complete frame: header plus opaque payload.
type ArrowMessage struct {
	header  ArrowMessageHeader
	payload []byte
}

// NewArrowMessage builds a frame carrying body, addressed to a service and,
// for session-scoped traffic, a session. The session id is masked to its
// low 24 bits.
func NewArrowMessage(service uint16, session uint32, body MessageBody) *ArrowMessage {
	buf := NewBuffer(body.Len())
	body.Encode(buf)
	return &ArrowMessage{
		header:  newArrowMessageHeader(service, session, 0),
		payload: buf.Bytes(),
	}
}

// Header returns a copy of the message header.
func (m *ArrowMessage) Header() ArrowMessageHeader { return m.header }

// Payload returns the message payload. The slice is shared, not copied.
func (m *ArrowMessage) Payload() []byte { return m.payload }

// Len reports the encoded size of the whole frame.
func (m *ArrowMessage) Len() int { return HeaderLen + len(m.payload) }

// Encode appends the full frame to buf. The header is rebuilt from the
// payload length and the current protocol version, so a stale size can
// never reach the wire.
func (m *ArrowMessage) Encode(buf *Buffer) {
	h := newArrowMessageHeader(m.header.Service, m.header.Session, uint32(len(m.payload)))
	h.Encode(buf)
	buf.Write(m.payload)
}

// Decode extracts the next complete frame from buf, consuming exactly that
// frame's bytes. A nil, nil return means not enough data has arrived yet;
// the buffer is left as it was so the caller can retry once more bytes
// land. A DecodeError means the stream is corrupt and unrecoverable.
//
// The returned payload aliases buf's storage without copying; the Buffer
// split guarantee keeps it stable.
func Decode(buf *Buffer) (*ArrowMessage, error) {
	if buf.Len() < HeaderLen {
		return nil, nil
	}
	header, err := DecodeHeader(buf.Bytes()[:HeaderLen])
	if err != nil {
		return nil, err
	}
	if limit := MaxPayload(); limit > 0 && header.size > limit {
		return nil, decodeErrorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, header.size, limit)
	}
	if uint64(buf.Len()) < HeaderLen+uint64(header.size) {
		return nil, nil
	}
	frame := buf.Next(HeaderLen + int(header.size))
	return &ArrowMessage{header: header, payload: frame[HeaderLen:]}, nil
}
