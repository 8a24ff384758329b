package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/arrowproto/gateway/internal/protocol"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		InitialPacketSize: 1200, // stay under tunnel MTUs; the default 1350 gets dropped on some paths
	}
}

// quicConn frames Arrow messages over a single bidirectional QUIC stream.
type quicConn struct {
	qconn  *quic.Conn
	stream *quic.Stream
	tr     *quic.Transport // owned by dialed conns; nil on accepted conns

	// rx and scratch belong to the single reader goroutine.
	rx      *protocol.Buffer
	scratch []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newQUICConn(tr *quic.Transport, qconn *quic.Conn, stream *quic.Stream) *quicConn {
	return &quicConn{
		qconn:   qconn,
		stream:  stream,
		tr:      tr,
		rx:      protocol.NewBuffer(readChunk),
		scratch: make([]byte, readChunk),
	}
}

func (c *quicConn) ReadMessage() (*protocol.ArrowMessage, error) {
	return readFrame(c.stream, c.rx, c.scratch)
}

func (c *quicConn) WriteMessage(m *protocol.ArrowMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.stream, m)
}

func (c *quicConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.closeErr = c.stream.Close()
		c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			c.tr.Close()
		}
	})
	return c.closeErr
}

// dialQUIC connects on a fresh UDP socket and opens the bidirectional
// stream that carries all frames. The stream is announced to the peer by
// the first frame written, which for an Arrow client is always REGISTER.
func dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, raddr, tlsConf, quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no stream")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return newQUICConn(tr, qconn, stream), nil
}
