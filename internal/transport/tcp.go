package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/arrowproto/gateway/internal/protocol"
)

// tlsConn frames Arrow messages over a TLS connection.
type tlsConn struct {
	conn *tls.Conn

	// rx and scratch belong to the single reader goroutine.
	rx      *protocol.Buffer
	scratch []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newTLSConn(conn *tls.Conn) *tlsConn {
	return &tlsConn{
		conn:    conn,
		rx:      protocol.NewBuffer(readChunk),
		scratch: make([]byte, readChunk),
	}
}

func (c *tlsConn) ReadMessage() (*protocol.ArrowMessage, error) {
	return readFrame(c.conn, c.rx, c.scratch)
}

func (c *tlsConn) WriteMessage(m *protocol.ArrowMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, m)
}

func (c *tlsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *tlsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *tlsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// dialTLS connects over TCP with the handshake completed during the dial,
// so certificate and ALPN failures surface here rather than on first read.
func dialTLS(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	d := tls.Dialer{Config: tlsConf}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newTLSConn(conn.(*tls.Conn)), nil
}
