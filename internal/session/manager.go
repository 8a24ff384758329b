package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arrowproto/gateway/internal/protocol"
	"github.com/arrowproto/gateway/internal/protocol/control"
	"github.com/arrowproto/gateway/internal/svcmap"
)

const (
	// DefaultMaxSessions bounds concurrent sessions per connection.
	DefaultMaxSessions = 64

	// outboundBacklog is the funnel capacity. Sessions block on a full
	// funnel, which backpressures their local reads.
	outboundBacklog = 64
)

var errManagerClosed = errors.New("session manager closed")

// key routes an envelope to its session.
type key struct {
	service uint16
	session uint32
}

// ManagerConfig describes a per-connection session manager.
type ManagerConfig struct {
	Table *svcmap.Table

	// IDs stamps control messages the manager originates (HUP). Shared
	// with the connection's event loop so ids stay unique.
	IDs *control.IDSequence

	MaxSessions int
	Logger      *slog.Logger

	// Per-session knobs, passed through to Config.
	DialTimeout       time.Duration
	CoalesceDelay     time.Duration
	CoalesceThreshold int
}

// Manager owns the sessions of one gateway connection. Inbound envelopes
// route by (service, session); everything outbound, session traffic and
// the manager's own HUPs alike, leaves through the Outbound funnel.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	out  chan *protocol.ArrowMessage
	done chan struct{}

	mu       sync.Mutex
	sessions map[key]*entry
	closed   bool

	wg sync.WaitGroup
}

type entry struct {
	s      *Session
	cancel context.CancelFunc
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.IDs == nil {
		cfg.IDs = &control.IDSequence{}
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		out:      make(chan *protocol.ArrowMessage, outboundBacklog),
		done:     make(chan struct{}),
		sessions: make(map[key]*entry),
	}
}

// Outbound is the single stream of envelopes to write to the gateway
// connection. Exactly one goroutine should drain it.
func (m *Manager) Outbound() <-chan *protocol.ArrowMessage { return m.out }

// Send queues one envelope on the outbound funnel. It blocks while the
// funnel is full and fails once the manager is closed.
func (m *Manager) Send(msg *protocol.ArrowMessage) error {
	select {
	case m.out <- msg:
		return nil
	case <-m.done:
		return errManagerClosed
	}
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Dispatch routes one inbound envelope to its session, creating the
// session on first use. A session that cannot be created is answered
// with a HUP so the peer stops sending for it.
func (m *Manager) Dispatch(ctx context.Context, msg *protocol.ArrowMessage) {
	k := key{msg.Header().Service, msg.Header().Session}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	e, ok := m.sessions[k]
	if !ok {
		var err error
		e, err = m.startSession(ctx, k)
		if err != nil {
			m.mu.Unlock()
			m.log.Warn("session refused", "service", k.service, "session", k.session, "err", err)
			m.sendHup(k.session, control.CodeConnectionError)
			return
		}
	}
	m.mu.Unlock()

	e.s.Deliver(msg.Payload())
}

// startSession registers and launches a session. Caller holds m.mu.
func (m *Manager) startSession(ctx context.Context, k key) (*entry, error) {
	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("session limit %d reached", m.cfg.MaxSessions)
	}
	svc, ok := m.cfg.Table.Lookup(k.service)
	if !ok {
		return nil, fmt.Errorf("no service %d in table", k.service)
	}

	sctx, cancel := context.WithCancel(ctx)
	e := &entry{
		s: New(Config{
			Service:           k.service,
			ID:                k.session,
			Addr:              svc.Addr.String(),
			Send:              m.Send,
			Logger:            m.log,
			DialTimeout:       m.cfg.DialTimeout,
			CoalesceDelay:     m.cfg.CoalesceDelay,
			CoalesceThreshold: m.cfg.CoalesceThreshold,
		}),
		cancel: cancel,
	}
	m.sessions[k] = e

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := e.s.Run(sctx)
		// A cancelled context means the close was ordered from our side
		// (peer HUP or teardown); the session may still have unwound
		// through a clean local EOF, so the check cannot rely on err.
		cancelled := sctx.Err() != nil
		cancel()
		m.remove(k, e)

		if cancelled || errors.Is(err, context.Canceled) {
			return
		}
		code := control.CodeOK
		if err != nil {
			code = control.CodeConnectionError
			m.log.Warn("session failed", "service", k.service, "session", k.session, "err", err)
		}
		m.sendHup(e.s.ID(), code)
	}()

	return e, nil
}

// remove drops the entry from the table if it is still the current one.
func (m *Manager) remove(k key, e *entry) {
	m.mu.Lock()
	if cur, ok := m.sessions[k]; ok && cur == e {
		delete(m.sessions, k)
	}
	m.mu.Unlock()
}

// sendHup tells the peer a session is gone. Best effort: when the
// manager is closed there is nobody left to tell.
func (m *Manager) sendHup(session uint32, code control.ErrorCode) {
	m.Send(control.NewHup(m.cfg.IDs.Next(), session, code).Envelope())
}

// CloseSession cancels every session carrying the given id (HUP from the
// peer names the session only, not the service). No HUP is sent back.
func (m *Manager) CloseSession(session uint32) bool {
	session = protocol.MaskSession(session)
	m.mu.Lock()
	var targets []*entry
	for k, e := range m.sessions {
		if k.session == session {
			targets = append(targets, e)
		}
	}
	m.mu.Unlock()

	for _, e := range targets {
		e.cancel()
	}
	return len(targets) > 0
}

// CloseAll cancels every session and shuts the funnel down. It waits for
// the session goroutines to finish and is safe to call more than once.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	// Closing done first frees sessions blocked on a full funnel.
	close(m.done)
	for _, e := range entries {
		e.cancel()
	}
	m.wg.Wait()
}
