package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/arrowproto/gateway/internal/protocol"
	"github.com/arrowproto/gateway/internal/protocol/control"
)

// Both transports must behave identically above the framing layer.
var testModes = []DialMode{DialTLS, DialQUIC}

func listenAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// setupConnPair creates a listener for mode and dials into it, returning
// both sides. The client sends one PING so the QUIC stream is announced to
// the acceptor; the helper consumes it on the server side.
func setupConnPair(t *testing.T, mode DialMode) (serverConn, clientConn Conn, cleanup func()) {
	t.Helper()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}

	ln, err := Listen(mode, 0, cert)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	serverDone := make(chan Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- conn
	}()

	cc, err := Dial(ctx, mode, listenAddr(ln.Port()), ClientTLSConfig(nil, true))
	if err != nil {
		cancel()
		ln.Close()
		t.Fatalf("client dial: %v", err)
	}

	if err := cc.WriteMessage(control.NewPing(1).Envelope()); err != nil {
		cancel()
		cc.Close()
		ln.Close()
		t.Fatalf("client hello: %v", err)
	}

	var sc Conn
	select {
	case sc = <-serverDone:
	case err := <-serverErr:
		cancel()
		cc.Close()
		ln.Close()
		t.Fatalf("server accept: %v", err)
	case <-ctx.Done():
		cancel()
		cc.Close()
		ln.Close()
		t.Fatal("timeout waiting for server accept")
	}

	hello, err := sc.ReadMessage()
	if err != nil {
		cancel()
		sc.Close()
		cc.Close()
		ln.Close()
		t.Fatalf("server read hello: %v", err)
	}
	if hello.Header().Service != control.ServiceID {
		cancel()
		sc.Close()
		cc.Close()
		ln.Close()
		t.Fatalf("hello on service %d, want %d", hello.Header().Service, control.ServiceID)
	}

	return sc, cc, func() {
		cancel()
		sc.Close()
		cc.Close()
		ln.Close()
	}
}

func TestConnect(t *testing.T) {
	for _, mode := range testModes {
		t.Run(mode.String(), func(t *testing.T) {
			_, _, cleanup := setupConnPair(t, mode)
			defer cleanup()
			// Reaching this point means handshake and first frame worked.
		})
	}
}

func TestBidirectionalExchange(t *testing.T) {
	for _, mode := range testModes {
		t.Run(mode.String(), func(t *testing.T) {
			serverConn, clientConn, cleanup := setupConnPair(t, mode)
			defer cleanup()

			clientPayload := []byte("hello from client")
			if err := clientConn.WriteMessage(protocol.NewArrowMessage(5, 9, protocol.Bytes(clientPayload))); err != nil {
				t.Fatalf("client write: %v", err)
			}

			msg, err := serverConn.ReadMessage()
			if err != nil {
				t.Fatalf("server read: %v", err)
			}
			if msg.Header().Service != 5 || msg.Header().Session != 9 {
				t.Fatalf("routing mismatch: service=%d session=%d", msg.Header().Service, msg.Header().Session)
			}
			if !bytes.Equal(msg.Payload(), clientPayload) {
				t.Fatalf("payload mismatch: %q", msg.Payload())
			}

			serverPayload := []byte("hello from server")
			if err := serverConn.WriteMessage(protocol.NewArrowMessage(5, 9, protocol.Bytes(serverPayload))); err != nil {
				t.Fatalf("server write: %v", err)
			}

			msg, err = clientConn.ReadMessage()
			if err != nil {
				t.Fatalf("client read: %v", err)
			}
			if !bytes.Equal(msg.Payload(), serverPayload) {
				t.Fatalf("payload mismatch: %q", msg.Payload())
			}
		})
	}
}

func TestControlExchange(t *testing.T) {
	for _, mode := range testModes {
		t.Run(mode.String(), func(t *testing.T) {
			serverConn, clientConn, cleanup := setupConnPair(t, mode)
			defer cleanup()

			if err := serverConn.WriteMessage(control.NewGetStatus(7).Envelope()); err != nil {
				t.Fatalf("write GET_STATUS: %v", err)
			}

			msg, err := clientConn.ReadMessage()
			if err != nil {
				t.Fatalf("read GET_STATUS: %v", err)
			}
			cm, err := control.ParseControlMessage(msg.Payload())
			if err != nil {
				t.Fatal(err)
			}
			if cm.Header().Type != control.MsgGetStatus || cm.Header().MessageID != 7 {
				t.Fatalf("got %v id=%d", cm.Header().Type, cm.Header().MessageID)
			}

			status := control.Status{RequestID: 7, Flags: control.FlagScanning, ActiveSessions: 3}
			if err := clientConn.WriteMessage(control.NewStatus(2, status).Envelope()); err != nil {
				t.Fatalf("write STATUS: %v", err)
			}

			msg, err = serverConn.ReadMessage()
			if err != nil {
				t.Fatalf("read STATUS: %v", err)
			}
			cm, err = control.ParseControlMessage(msg.Payload())
			if err != nil {
				t.Fatal(err)
			}
			got := cm.Body().(control.Status)
			if got != status {
				t.Fatalf("status mismatch: %+v", got)
			}
		})
	}
}

func TestConcurrentWriters(t *testing.T) {
	for _, mode := range testModes {
		t.Run(mode.String(), func(t *testing.T) {
			serverConn, clientConn, cleanup := setupConnPair(t, mode)
			defer cleanup()

			const perWriter = 10
			done := make(chan error, 2)
			for _, svc := range []uint16{1, 2} {
				go func() {
					for i := range perWriter {
						var seq [4]byte
						binary.BigEndian.PutUint32(seq[:], uint32(i))
						msg := protocol.NewArrowMessage(svc, 0, protocol.Bytes(seq[:]))
						if err := clientConn.WriteMessage(msg); err != nil {
							done <- err
							return
						}
					}
					done <- nil
				}()
			}
			for range 2 {
				if err := <-done; err != nil {
					t.Fatalf("send error: %v", err)
				}
			}

			// Frames interleave at frame granularity only, so each
			// service's sequence must arrive in order.
			next := map[uint16]uint32{1: 0, 2: 0}
			for range 2 * perWriter {
				msg, err := serverConn.ReadMessage()
				if err != nil {
					t.Fatalf("server read: %v", err)
				}
				svc := msg.Header().Service
				seq := binary.BigEndian.Uint32(msg.Payload())
				if seq != next[svc] {
					t.Fatalf("service %d: got seq %d, want %d", svc, seq, next[svc])
				}
				next[svc]++
			}
		})
	}
}

func TestLargeFrame(t *testing.T) {
	for _, mode := range testModes {
		t.Run(mode.String(), func(t *testing.T) {
			serverConn, clientConn, cleanup := setupConnPair(t, mode)
			defer cleanup()

			// Well past readChunk, so reassembly spans many reads.
			payload := make([]byte, 256*1024)
			for i := range payload {
				payload[i] = byte(i % 251)
			}

			if err := clientConn.WriteMessage(protocol.NewArrowMessage(3, 1, protocol.Bytes(payload))); err != nil {
				t.Fatalf("write: %v", err)
			}
			msg, err := serverConn.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(msg.Payload(), payload) {
				t.Fatal("large payload corrupted in transit")
			}
		})
	}
}

func TestReadDeadline(t *testing.T) {
	for _, mode := range testModes {
		t.Run(mode.String(), func(t *testing.T) {
			serverConn, _, cleanup := setupConnPair(t, mode)
			defer cleanup()

			if err := serverConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
				t.Fatal(err)
			}
			_, err := serverConn.ReadMessage()
			if err == nil {
				t.Fatal("expected deadline error, got nil")
			}
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				t.Fatalf("expected timeout error, got %v", err)
			}
		})
	}
}

func TestPeerCloseEndsRead(t *testing.T) {
	for _, mode := range testModes {
		t.Run(mode.String(), func(t *testing.T) {
			serverConn, clientConn, cleanup := setupConnPair(t, mode)
			defer cleanup()

			readErr := make(chan error, 1)
			go func() {
				_, err := serverConn.ReadMessage()
				readErr <- err
			}()

			clientConn.Close()

			select {
			case err := <-readErr:
				if err == nil {
					t.Fatal("expected read to fail after peer close")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("read did not return after peer close")
			}
		})
	}
}

// dialRaw opens a plain TLS connection so tests can write bytes the framed
// Conn cannot produce.
func dialRaw(t *testing.T, ctx context.Context, port int) *tls.Conn {
	t.Helper()
	d := tls.Dialer{Config: ClientTLSConfig(nil, true)}
	conn, err := d.DialContext(ctx, "tcp", listenAddr(port))
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	return conn.(*tls.Conn)
}

// acceptOne starts accepting a single connection and returns a function
// that waits for it. The accept must already be in flight when the peer
// dials, because both TLS handshake halves complete inside Accept.
func acceptOne(t *testing.T, ctx context.Context, ln Listener) func() Conn {
	t.Helper()
	serverDone := make(chan Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- conn
	}()
	return func() Conn {
		t.Helper()
		select {
		case sc := <-serverDone:
			return sc
		case err := <-serverErr:
			t.Fatalf("accept: %v", err)
		case <-ctx.Done():
			t.Fatal("timeout waiting for accept")
		}
		return nil
	}
}

func TestUnsupportedVersionTearsDown(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(DialTLS, 0, cert)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := acceptOne(t, ctx, ln)
	raw := dialRaw(t, ctx, ln.Port())
	defer raw.Close()
	sc := accepted()
	defer sc.Close()

	frame := make([]byte, protocol.HeaderLen)
	frame[0] = protocol.Version() + 1
	if _, err := raw.Write(frame); err != nil {
		t.Fatalf("raw write: %v", err)
	}

	_, err = sc.ReadMessage()
	if !errors.Is(err, protocol.ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	var de *protocol.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %T", err)
	}
}

func TestOversizeFrameTearsDown(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(DialTLS, 0, cert)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := acceptOne(t, ctx, ln)
	raw := dialRaw(t, ctx, ln.Port())
	defer raw.Close()
	sc := accepted()
	defer sc.Close()

	frame := make([]byte, protocol.HeaderLen)
	frame[0] = protocol.Version()
	binary.BigEndian.PutUint32(frame[7:11], protocol.DefaultMaxPayload+1)
	if _, err := raw.Write(frame); err != nil {
		t.Fatalf("raw write: %v", err)
	}

	_, err = sc.ReadMessage()
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDualListenerServesBothTransports(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	dl, err := ListenDual(0, cert)
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverConns := make(chan Conn, 2)
	go func() {
		for range 2 {
			conn, err := dl.Accept(ctx)
			if err != nil {
				return
			}
			serverConns <- conn
		}
	}()

	qc, err := Dial(ctx, DialQUIC, listenAddr(dl.Port()), ClientTLSConfig(nil, true))
	if err != nil {
		t.Fatalf("QUIC dial: %v", err)
	}
	defer qc.Close()
	if err := qc.WriteMessage(protocol.NewArrowMessage(1, 0, protocol.Bytes("via quic"))); err != nil {
		t.Fatalf("QUIC write: %v", err)
	}

	tc, err := Dial(ctx, DialTLS, listenAddr(dl.Port()), ClientTLSConfig(nil, true))
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer tc.Close()
	if err := tc.WriteMessage(protocol.NewArrowMessage(2, 0, protocol.Bytes("via tls"))); err != nil {
		t.Fatalf("TLS write: %v", err)
	}

	seen := make(map[uint16]Conn, 2)
	for range 2 {
		select {
		case sc := <-serverConns:
			defer sc.Close()
			msg, err := sc.ReadMessage()
			if err != nil {
				t.Fatalf("server read: %v", err)
			}
			seen[msg.Header().Service] = sc
		case <-ctx.Done():
			t.Fatal("timeout waiting for connections")
		}
	}

	if _, ok := seen[1].(*quicConn); !ok {
		t.Fatalf("service 1 arrived on %T, want *quicConn", seen[1])
	}
	if _, ok := seen[2].(*tlsConn); !ok {
		t.Fatalf("service 2 arrived on %T, want *tlsConn", seen[2])
	}
}

func TestDialUnknownMode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, DialMode(9), "127.0.0.1:1", nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestDialModeString(t *testing.T) {
	if got := DialTLS.String(); got != "TLS" {
		t.Fatalf("DialTLS = %q", got)
	}
	if got := DialQUIC.String(); got != "QUIC" {
		t.Fatalf("DialQUIC = %q", got)
	}
	if got := DialMode(9).String(); got != "unknown" {
		t.Fatalf("DialMode(9) = %q", got)
	}
}
