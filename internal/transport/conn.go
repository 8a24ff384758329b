// Package transport carries Arrow frames over an encrypted byte stream.
// Both transports (TLS over TCP, and a single QUIC bidirectional stream)
// expose the same framed Conn; everything above them speaks ArrowMessage.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/arrowproto/gateway/internal/protocol"
)

// readChunk is the transport read size, matched to the relay buffer so a
// full coalesced envelope usually arrives in one read.
const readChunk = 32 * 1024

// DialMode selects which transport to use when dialing.
type DialMode int

const (
	DialTLS DialMode = iota
	DialQUIC
)

func (m DialMode) String() string {
	switch m {
	case DialTLS:
		return "TLS"
	case DialQUIC:
		return "QUIC"
	default:
		return "unknown"
	}
}

// Dial connects to a gateway at addr (host:port) using the given mode.
func Dial(ctx context.Context, mode DialMode, addr string, tlsConf *tls.Config) (Conn, error) {
	switch mode {
	case DialTLS:
		return dialTLS(ctx, addr, tlsConf)
	case DialQUIC:
		return dialQUIC(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("unknown dial mode %d", mode)
	}
}

// Conn is a framed Arrow connection. WriteMessage may be called from any
// goroutine; ReadMessage must only be called from a single goroutine, since
// it owns the receive buffer.
type Conn interface {
	// ReadMessage blocks until the next complete frame arrives. Any error,
	// including a protocol.DecodeError from a corrupt stream, means the
	// connection is done and should be closed.
	ReadMessage() (*protocol.ArrowMessage, error)
	WriteMessage(*protocol.ArrowMessage) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts framed Arrow connections. Used by the service end and
// by tests that stand up an in-process service.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Port() int
	Close() error
}

// readFrame reads from r into rx until a complete frame can be decoded.
// Bytes that arrive together with a read error are buffered first, so a
// frame completed by a dying connection is still delivered; the error
// surfaces on the following call.
func readFrame(r io.Reader, rx *protocol.Buffer, scratch []byte) (*protocol.ArrowMessage, error) {
	for {
		if msg, err := protocol.Decode(rx); err != nil || msg != nil {
			return msg, err
		}
		n, err := r.Read(scratch)
		rx.Write(scratch[:n])
		if err != nil {
			if msg, derr := protocol.Decode(rx); derr != nil || msg != nil {
				return msg, derr
			}
			return nil, err
		}
	}
}

// writeFrame encodes m into a fresh buffer and writes it in one call, so
// concurrent writers interleave at frame granularity only.
func writeFrame(w io.Writer, m *protocol.ArrowMessage) error {
	buf := protocol.NewBuffer(m.Len())
	m.Encode(buf)
	_, err := w.Write(buf.Bytes())
	return err
}
