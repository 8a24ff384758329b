package protocol

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultVersion is the wire format version spoken unless SetVersion says
// otherwise.
const DefaultVersion = 1

// DefaultMaxPayload is the largest payload size the decoder will agree to
// buffer (16 MiB) unless SetMaxPayload changes the ceiling.
const DefaultMaxPayload = 16 * 1024 * 1024

var (
	ErrUnsupportedVersion = errors.New("unsupported Arrow Protocol version")
	ErrFrameTooLarge      = errors.New("frame payload exceeds maximum size")
)

// DecodeError reports a wire format violation. Unlike the insufficient-data
// outcome (Decode returning nil, nil), a DecodeError means the byte stream
// is unusable from here on and the connection it came from should be torn
// down.
type DecodeError struct {
	err error
}

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{err: fmt.Errorf(format, args...)}
}

func (e *DecodeError) Error() string { return e.err.Error() }

func (e *DecodeError) Unwrap() error { return e.err }

var (
	version    atomic.Uint32
	maxPayload atomic.Uint32
)

func init() {
	version.Store(DefaultVersion)
	maxPayload.Store(DefaultMaxPayload)
}

// Version reports the wire format version stamped into outgoing headers and
// required of incoming ones.
func Version() uint8 { return uint8(version.Load()) }

// SetVersion overrides the wire format version for the whole process. Call
// it before any connection starts speaking; changing versions mid-stream
// desynchronizes both peers.
func SetVersion(v uint8) { version.Store(uint32(v)) }

// MaxPayload reports the decoder's payload ceiling in bytes. Zero means no
// ceiling.
func MaxPayload() uint32 { return maxPayload.Load() }

// SetMaxPayload adjusts the decoder's payload ceiling. Zero disables the
// check entirely.
func SetMaxPayload(limit uint32) { maxPayload.Store(limit) }

// Encoder is implemented by values that serialize themselves into a Buffer.
type Encoder interface {
	Encode(buf *Buffer)
}

// MessageBody is a payload that can ride inside an ArrowMessage. Len
// reports the encoded size up front so the envelope can size its buffer in
// one allocation.
type MessageBody interface {
	Encoder
	Len() int
}

// Bytes adapts a raw byte slice to MessageBody, for payloads that are
// already encoded or plain relayed data.
type Bytes []byte

func (b Bytes) Len() int { return len(b) }

func (b Bytes) Encode(buf *Buffer) { buf.Write(b) }
