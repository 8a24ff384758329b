// Package client runs the gateway end of an Arrow connection. It keeps
// one connection to the Arrow service, registers the gateway's identity
// and service table, and relays session traffic between the service and
// the local devices behind the gateway.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/arrowproto/gateway/internal/identity"
	"github.com/arrowproto/gateway/internal/protocol"
	"github.com/arrowproto/gateway/internal/protocol/control"
	"github.com/arrowproto/gateway/internal/session"
	"github.com/arrowproto/gateway/internal/svcmap"
	"github.com/arrowproto/gateway/internal/transport"
)

const (
	dialTimeout         = 10 * time.Second
	ackTimeout          = 10 * time.Second
	defaultPingInterval = 20 * time.Second

	// recvTimeoutFactor is the liveness window in ping intervals. A
	// connection with no inbound traffic for that long is torn down.
	recvTimeoutFactor = 3

	// Reconnect pacing: a burst of quick retries, then one attempt per
	// reconnectEvery. The bucket refills while a connection holds.
	reconnectEvery = 5 * time.Second
	reconnectBurst = 3
)

// Config holds gateway client configuration.
type Config struct {
	// Address is the host:port of the Arrow service.
	Address string

	// Services is the table of local services offered at registration.
	// The client snapshots it for REGISTER and UPDATE messages and
	// resolves session dials through it.
	Services *svcmap.Table

	// Identity is the material presented in REGISTER.
	Identity *identity.Identity

	// TLS overrides the client TLS configuration. Nil means system
	// roots with the Arrow ALPN.
	TLS *tls.Config

	DialMode transport.DialMode

	// PingInterval is the liveness probe period. Zero means
	// defaultPingInterval.
	PingInterval time.Duration

	// MaxSessions caps concurrent sessions per connection. Zero means
	// session.DefaultMaxSessions.
	MaxSessions int

	Logger *slog.Logger
}

// Client keeps one gateway connection alive, reconnecting as needed.
// Use New to create one and Run to drive it.
type Client struct {
	cfg Config
	log *slog.Logger

	// addr is the current dial target. REDIRECT swaps it; a failed
	// dial falls back to the configured address.
	addr string
}

// New validates the configuration and creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("client: no service address")
	}
	if cfg.Identity == nil {
		return nil, errors.New("client: no identity")
	}
	if cfg.Services == nil {
		cfg.Services = svcmap.NewTable()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{
		cfg:  cfg,
		log:  log.With("component", "client"),
		addr: cfg.Address,
	}, nil
}

// RejectedError is returned by Run when the service refuses the
// registration with a code retrying cannot fix.
type RejectedError struct {
	Code control.ErrorCode
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("registration rejected: %s", e.Code)
}

// exitReason describes why a connection ended.
type exitReason int

const (
	exitNetwork   exitReason = iota // connection or liveness failure; redial
	exitRedirect                    // service moved us; addr already updated
	exitRejected                    // registration refused for good
	exitCancelled                   // context cancelled
)

// Run is the client's main entry point. It connects to the Arrow
// service, registers, and serves the connection until it dies, then
// reconnects. Returns when the context is cancelled or the service
// rejects the registration outright.
func (c *Client) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(reconnectEvery), reconnectBurst)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("connect failed, retrying", "addr", c.addr, "err", err)
			// A dead redirect target must not strand the gateway.
			c.addr = c.cfg.Address
			continue
		}

		reason, err := c.serve(ctx, conn)
		conn.Close()

		switch reason {
		case exitRejected:
			c.log.Error("registration rejected", "err", err)
			return err
		case exitCancelled:
			return ctx.Err()
		case exitRedirect:
			c.log.Info("redirected", "addr", c.addr)
		default:
			c.log.Warn("connection lost, reconnecting", "err", err)
		}
	}
}

// dial connects to the current service address.
func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	tlsConf := c.cfg.TLS
	if tlsConf == nil {
		tlsConf = transport.ClientTLSConfig(nil, false)
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return transport.Dial(dctx, c.cfg.DialMode, c.addr, tlsConf)
}

// serve runs one established connection: the registration handshake,
// then the event loop with its reader and writer goroutines.
func (c *Client) serve(ctx context.Context, conn transport.Conn) (exitReason, error) {
	ids := &control.IDSequence{}

	if err := c.register(conn, ids); err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			return exitRejected, err
		}
		return exitNetwork, err
	}
	c.log.Info("registered", "addr", c.addr, "services", c.cfg.Services.Size())

	mgr := session.NewManager(session.ManagerConfig{
		Table:       c.cfg.Services,
		IDs:         ids,
		MaxSessions: c.cfg.MaxSessions,
		Logger:      c.log,
	})
	defer mgr.CloseAll()

	done := make(chan struct{})
	defer close(done)

	frames := make(chan readResult, 4)
	go readLoop(conn, frames, done)

	writeErr := make(chan error, 1)
	go writeLoop(conn, mgr.Outbound(), writeErr, done)

	return c.eventLoop(ctx, mgr, ids, frames, writeErr)
}

// register sends REGISTER and waits for the service's ACK. The wait is
// bounded by a read deadline so a mute service cannot hold the connect
// loop forever.
func (c *Client) register(conn transport.Conn, ids *control.IDSequence) error {
	reg := control.Register{
		UUID:       [16]byte(c.cfg.Identity.UUID),
		MAC:        c.cfg.Identity.MAC6(),
		Passphrase: c.cfg.Identity.Passphrase,
		Services:   c.cfg.Services.Snapshot(),
	}
	if err := conn.WriteMessage(control.NewRegister(ids.Next(), reg).Envelope()); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(ackTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await ack: %w", err)
		}
		if msg.Header().Service != control.ServiceID {
			continue
		}
		cm, err := control.ParseControlMessage(msg.Payload())
		if err != nil {
			return fmt.Errorf("control message: %w", err)
		}
		ack, ok := cm.Body().(control.Ack)
		if !ok {
			// The service may ping before it acks.
			continue
		}
		switch ack.Code {
		case control.CodeOK:
			return nil
		case control.CodeUnauthorized, control.CodeUnsupportedVersion:
			return &RejectedError{Code: ack.Code}
		default:
			return fmt.Errorf("registration failed: %s", ack.Code)
		}
	}
}

// eventLoop is the per-connection loop. It dispatches inbound envelopes,
// answers control messages, and probes liveness until the connection
// fails or the context is done.
func (c *Client) eventLoop(ctx context.Context, mgr *session.Manager, ids *control.IDSequence, frames <-chan readResult, writeErr <-chan error) (exitReason, error) {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	recvTimeout := recvTimeoutFactor * c.cfg.PingInterval
	lastRecv := time.Now()

	for {
		select {
		case res := <-frames:
			if res.err != nil {
				return exitNetwork, fmt.Errorf("read: %w", res.err)
			}
			lastRecv = time.Now()
			if res.msg.Header().Service != control.ServiceID {
				mgr.Dispatch(ctx, res.msg)
				continue
			}

			cm, err := control.ParseControlMessage(res.msg.Payload())
			if err != nil {
				return exitNetwork, fmt.Errorf("control message: %w", err)
			}
			switch body := cm.Body().(type) {
			case control.Ping:
				_ = mgr.Send(control.NewAck(cm.Header().MessageID, control.CodeOK).Envelope())

			case control.Ack:
				// Answers one of our pings; lastRecv already counts it.

			case control.Hup:
				if !mgr.CloseSession(body.SessionID) {
					c.log.Debug("hup for unknown session", "session", body.SessionID)
				}

			case control.Redirect:
				if body.Target == "" {
					return exitNetwork, errors.New("redirect without a target")
				}
				c.addr = body.Target
				return exitRedirect, nil

			case control.ResetSvcTable:
				_ = mgr.Send(control.NewUpdate(ids.Next(), c.cfg.Services.Snapshot()).Envelope())

			case control.GetStatus:
				_ = mgr.Send(control.NewStatus(ids.Next(), control.Status{
					RequestID:      cm.Header().MessageID,
					ActiveSessions: uint32(mgr.Active()),
				}).Envelope())

			default:
				// REGISTER, UPDATE and STATUS only flow gateway to
				// service.
				_ = mgr.Send(control.NewAck(cm.Header().MessageID, control.CodeUnsupportedMethod).Envelope())
			}

		case err := <-writeErr:
			return exitNetwork, fmt.Errorf("write: %w", err)

		case <-ping.C:
			_ = mgr.Send(control.NewPing(ids.Next()).Envelope())
			if since := time.Since(lastRecv); since > recvTimeout {
				return exitNetwork, fmt.Errorf("no traffic for %s", since.Round(time.Millisecond))
			}

		case <-ctx.Done():
			return exitCancelled, ctx.Err()
		}
	}
}

// readResult carries one inbound envelope or the read error that ended
// the connection.
type readResult struct {
	msg *protocol.ArrowMessage
	err error
}

// readLoop feeds inbound envelopes to the event loop until the
// connection dies or the connection's done channel closes.
func readLoop(conn transport.Conn, ch chan<- readResult, done <-chan struct{}) {
	for {
		msg, err := conn.ReadMessage()
		select {
		case ch <- readResult{msg: msg, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// writeLoop drains the outbound funnel onto the connection. After a
// write error it reports once and keeps draining so no sender stalls on
// a full funnel.
func writeLoop(conn transport.Conn, out <-chan *protocol.ArrowMessage, errCh chan<- error, done <-chan struct{}) {
	var failed bool
	for {
		select {
		case m := <-out:
			if failed {
				continue
			}
			if err := conn.WriteMessage(m); err != nil {
				failed = true
				errCh <- err
			}
		case <-done:
			return
		}
	}
}
