// Package session relays Arrow envelopes to and from local services.
// One Session is a single logical channel bound to one local TCP
// connection; the Manager owns every live session on a gateway
// connection and funnels all outbound envelopes through one channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arrowproto/gateway/internal/coalesce"
	"github.com/arrowproto/gateway/internal/protocol"
)

const (
	localReadBufSize   = 32 * 1024 // per local read
	defaultDialTimeout = 5 * time.Second
)

// errLocalClosed marks a clean local EOF so the relay goroutines unwind
// through the errgroup without reporting a failure.
var errLocalClosed = errors.New("local connection closed")

// Config describes one session.
type Config struct {
	Service uint16
	ID      uint32
	Addr    string // local service address, host:port

	// Send queues one outbound envelope; it must fail rather than block
	// forever once the connection is gone.
	Send func(*protocol.ArrowMessage) error

	Logger      *slog.Logger
	DialTimeout time.Duration

	// Coalescer knobs; zero values select the package defaults.
	CoalesceDelay     time.Duration
	CoalesceThreshold int
}

// Session relays bytes between one local TCP connection and Arrow
// envelopes tagged (Service, ID).
type Session struct {
	cfg Config
	id  uint32
	log *slog.Logger

	in      chan []byte
	done    chan struct{}
	readErr error // set by pumpLocal before it closes its channel
}

func New(cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	id := protocol.MaskSession(cfg.ID)
	return &Session{
		cfg:  cfg,
		id:   id,
		log:  cfg.Logger.With("service", cfg.Service, "session", id),
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

// ID returns the session id (24-bit masked).
func (s *Session) ID() uint32 { return s.id }

// Deliver hands an inbound payload to the session. Payload slices from
// the streaming decoder stay valid, so they are taken without copying.
// Payloads delivered after the session ends are dropped.
func (s *Session) Deliver(p []byte) {
	select {
	case s.in <- p:
	case <-s.done:
	}
}

// Run dials the local service and relays both directions until the local
// connection closes, a write fails, or the context is cancelled. A clean
// local EOF returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	local, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.Addr, err)
	}
	s.log.Debug("session open", "addr", s.cfg.Addr)

	g, ctx := errgroup.WithContext(ctx)

	dataCh := make(chan []byte, 4)
	g.Go(func() error { return s.pumpLocal(ctx, local, dataCh) })
	g.Go(func() error { return s.eventLoop(ctx, local, dataCh) })
	g.Go(func() error {
		// Unblocks the local read when the group winds down.
		<-ctx.Done()
		local.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errLocalClosed) {
		return nil
	}
	return err
}

// pumpLocal reads the local connection into dataCh. It always returns
// nil: the event loop decides what the end of the stream means, reading
// readErr after the channel closes.
func (s *Session) pumpLocal(ctx context.Context, local net.Conn, ch chan<- []byte) error {
	defer close(ch)
	for {
		buf := make([]byte, localReadBufSize)
		n, err := local.Read(buf)
		if n > 0 {
			select {
			case ch <- buf[:n]:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.readErr = err
			}
			return nil
		}
	}
}

// eventLoop batches local reads into outbound envelopes and writes
// delivered payloads to the local connection.
func (s *Session) eventLoop(ctx context.Context, local net.Conn, dataCh <-chan []byte) error {
	coal := coalesce.New(s.cfg.CoalesceDelay, s.cfg.CoalesceThreshold)
	defer coal.Stop()

	for {
		select {
		case data, ok := <-dataCh:
			if !ok {
				// On teardown the pump unwinds the same way; pending data
				// has nowhere to go then.
				if err := ctx.Err(); err != nil {
					return err
				}
				// Local side is done; push out whatever is pending.
				if err := s.flush(coal); err != nil {
					return err
				}
				if s.readErr != nil {
					return s.readErr
				}
				return errLocalClosed
			}
			if coal.Add(data) {
				if err := s.flush(coal); err != nil {
					return err
				}
			}

		case <-coal.Timer():
			if err := s.flush(coal); err != nil {
				return err
			}

		case p := <-s.in:
			if _, err := local.Write(p); err != nil {
				return fmt.Errorf("local write: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) flush(coal *coalesce.Coalescer) error {
	data := coal.Flush()
	if data == nil {
		return nil
	}
	return s.cfg.Send(protocol.NewArrowMessage(s.cfg.Service, s.id, protocol.Bytes(data)))
}
