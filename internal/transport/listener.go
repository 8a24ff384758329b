package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
)

// handshakeTimeout bounds how long an accepted connection may take to
// become ready (the TLS handshake, or the client's first QUIC stream)
// before the accept path gives up on it.
const handshakeTimeout = 5 * time.Second

// Listen creates a listener for a single transport on the given port.
// Port 0 picks a free port; the choice is reported by Port().
func Listen(mode DialMode, port int, cert tls.Certificate) (Listener, error) {
	switch mode {
	case DialTLS:
		return listenTLS(port, cert)
	case DialQUIC:
		return listenQUIC(port, cert)
	default:
		return nil, fmt.Errorf("unknown listen mode %d", mode)
	}
}

// --- TLS over TCP ---

type tlsListener struct {
	ln   net.Listener
	port int
}

func listenTLS(port int, cert tls.Certificate) (*tlsListener, error) {
	ln, err := tls.Listen("tcp", ":"+strconv.Itoa(port), ServerTLSConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("TLS listen: %w", err)
	}
	return &tlsListener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

func (l *tlsListener) Port() int {
	return l.port
}

func (l *tlsListener) Accept(ctx context.Context) (Conn, error) {
	// Accept through a channel so the context can cancel the wait.
	type result struct {
		conn net.Conn
		err  error
	}
	for {
		ch := make(chan result, 1)
		go func() {
			conn, err := l.ln.Accept()
			ch <- result{conn, err}
		}()

		select {
		case res := <-ch:
			if res.err != nil {
				return nil, fmt.Errorf("accept TLS connection: %w", res.err)
			}
			// The handshake completes here so the dialer unblocks without
			// waiting for the first server read. A peer that never
			// handshakes is dropped rather than allowed to wedge the
			// accept path.
			tlsConn := res.conn.(*tls.Conn)
			hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
			err := tlsConn.HandshakeContext(hsCtx)
			cancel()
			if err != nil {
				tlsConn.Close()
				continue
			}
			return newTLSConn(tlsConn), nil
		case <-ctx.Done():
			// The goroutine may still be blocked on l.ln.Accept(); it
			// unblocks when the caller closes the listener. If it accepted
			// a connection before that, close it so it doesn't leak.
			go func() {
				res := <-ch
				if res.conn != nil {
					res.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

func (l *tlsListener) Close() error {
	return l.ln.Close()
}

// --- QUIC ---

type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
}

func listenQUIC(port int, cert tls.Certificate) (*quicListener, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

func (l *quicListener) Port() int {
	return l.port
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	for {
		qconn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("accept QUIC connection: %w", err)
		}

		// The client announces its stream with the first frame it writes.
		// A peer that connects and then goes silent is dropped rather than
		// allowed to wedge the accept path.
		streamCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		stream, err := qconn.AcceptStream(streamCtx)
		cancel()
		if err != nil {
			qconn.CloseWithError(1, "no stream")
			continue
		}

		return newQUICConn(nil, qconn, stream), nil
	}
}

func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}

// --- Dual ---

// dualListener accepts connections from QUIC (UDP) and TLS (TCP) listeners
// on the same port number. Accept returns whichever arrives first.
type dualListener struct {
	quic *quicListener
	tls  *tlsListener
	port int

	// connCh receives connections from both accept loops.
	connCh chan acceptRes
	// cancel stops both accept loops on Close.
	cancel context.CancelFunc
}

type acceptRes struct {
	conn Conn
	err  error
}

// ListenDual creates both a QUIC (UDP) and a TLS (TCP) listener on the
// same port. Bind order: QUIC first (it gets the random port from the OS
// when port is 0), then TCP on the same number.
func ListenDual(port int, cert tls.Certificate) (Listener, error) {
	ql, err := listenQUIC(port, cert)
	if err != nil {
		return nil, err
	}

	tl, err := listenTLS(ql.Port(), cert)
	if err != nil {
		ql.Close()
		return nil, fmt.Errorf("TLS listen on port %d: %w", ql.Port(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dl := &dualListener{
		quic:   ql,
		tls:    tl,
		port:   ql.Port(),
		connCh: make(chan acceptRes, 4),
		cancel: cancel,
	}

	go dl.acceptLoop(ctx, ql)
	go dl.acceptLoop(ctx, tl)

	return dl, nil
}

func (dl *dualListener) acceptLoop(ctx context.Context, l Listener) {
	for {
		conn, err := l.Accept(ctx)
		select {
		case dl.connCh <- acceptRes{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

// Accept returns the next connection from either transport.
func (dl *dualListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case res := <-dl.connCh:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (dl *dualListener) Port() int {
	return dl.port
}

// Close shuts down both listeners.
func (dl *dualListener) Close() error {
	dl.cancel()
	tlsErr := dl.tls.Close()
	quicErr := dl.quic.Close()
	if quicErr != nil {
		return quicErr
	}
	return tlsErr
}
