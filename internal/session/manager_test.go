package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/arrowproto/gateway/internal/protocol"
	"github.com/arrowproto/gateway/internal/protocol/control"
	"github.com/arrowproto/gateway/internal/svcmap"
)

// newTestManager wires a manager to a table mapping service 3 to addr.
func newTestManager(t *testing.T, addr string, maxSessions int) *Manager {
	t.Helper()
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	table := svcmap.NewTable()
	table.Add(svcmap.Service{ID: 3, Type: svcmap.TCP, Addr: ap})
	return NewManager(ManagerConfig{
		Table:       table,
		MaxSessions: maxSessions,
	})
}

func dispatchPayload(m *Manager, service uint16, session uint32, payload []byte) {
	m.Dispatch(context.Background(), protocol.NewArrowMessage(service, session, protocol.Bytes(payload)))
}

func waitOutbound(t *testing.T, m *Manager) *protocol.ArrowMessage {
	t.Helper()
	select {
	case msg := <-m.Outbound():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for outbound envelope")
	}
	return nil
}

// waitHup drains the funnel until a control envelope arrives and returns
// its parsed HUP body.
func waitHup(t *testing.T, m *Manager) control.Hup {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-m.Outbound():
			if msg.Header().Service != control.ServiceID {
				continue
			}
			cm, err := control.ParseControlMessage(msg.Payload())
			if err != nil {
				t.Fatal(err)
			}
			if cm.Header().Type != control.MsgHup {
				t.Fatalf("unexpected control message %v", cm.Header().Type)
			}
			return cm.Body().(control.Hup)
		case <-deadline:
			t.Fatal("timeout waiting for HUP")
		}
	}
}

func TestManagerCreatesSessionOnFirstFrame(t *testing.T) {
	addr, conns, stop := startLocalService(t)
	defer stop()

	m := newTestManager(t, addr, 0)
	defer m.CloseAll()

	dispatchPayload(m, 3, 5, []byte("OPTIONS *"))

	local := acceptLocal(t, conns)
	defer local.Close()

	got := make([]byte, len("OPTIONS *"))
	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(local, got); err != nil {
		t.Fatalf("local read: %v", err)
	}
	if string(got) != "OPTIONS *" {
		t.Fatalf("local received %q", got)
	}
	if n := m.Active(); n != 1 {
		t.Fatalf("Active() = %d, want 1", n)
	}

	// The local response comes back tagged with the same routing pair.
	local.Write([]byte("RTSP/1.0 200 OK"))
	msg := waitOutbound(t, m)
	if msg.Header().Service != 3 || msg.Header().Session != 5 {
		t.Fatalf("reply tagged service=%d session=%d", msg.Header().Service, msg.Header().Session)
	}
	if !bytes.Equal(msg.Payload(), []byte("RTSP/1.0 200 OK")) {
		t.Fatalf("reply payload = %q", msg.Payload())
	}
}

func TestManagerRoutesBySessionID(t *testing.T) {
	addr, conns, stop := startLocalService(t)
	defer stop()

	m := newTestManager(t, addr, 0)
	defer m.CloseAll()

	dispatchPayload(m, 3, 1, []byte("first"))
	localA := acceptLocal(t, conns)
	defer localA.Close()

	dispatchPayload(m, 3, 2, []byte("second"))
	localB := acceptLocal(t, conns)
	defer localB.Close()

	for conn, want := range map[net.Conn]string{localA: "first", localB: "second"} {
		got := make([]byte, len(want))
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatalf("local read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("local received %q, want %q", got, want)
		}
	}
	if n := m.Active(); n != 2 {
		t.Fatalf("Active() = %d, want 2", n)
	}
}

func TestManagerUnknownServiceHups(t *testing.T) {
	addr, _, stop := startLocalService(t)
	defer stop()

	m := newTestManager(t, addr, 0)
	defer m.CloseAll()

	dispatchPayload(m, 99, 12, []byte("nope"))

	hup := waitHup(t, m)
	if hup.SessionID != 12 {
		t.Fatalf("HUP session %d, want 12", hup.SessionID)
	}
	if hup.Code != control.CodeConnectionError {
		t.Fatalf("HUP code %v, want connection error", hup.Code)
	}
	if n := m.Active(); n != 0 {
		t.Fatalf("Active() = %d, want 0", n)
	}
}

func TestManagerDialFailureHups(t *testing.T) {
	addr, _, stop := startLocalService(t)
	stop() // service is gone

	m := newTestManager(t, addr, 0)
	defer m.CloseAll()

	dispatchPayload(m, 3, 8, []byte("hello?"))

	hup := waitHup(t, m)
	if hup.SessionID != 8 || hup.Code != control.CodeConnectionError {
		t.Fatalf("HUP = %+v", hup)
	}
}

func TestManagerSessionLimit(t *testing.T) {
	addr, conns, stop := startLocalService(t)
	defer stop()

	m := newTestManager(t, addr, 1)
	defer m.CloseAll()

	dispatchPayload(m, 3, 1, []byte("one"))
	local := acceptLocal(t, conns)
	defer local.Close()

	dispatchPayload(m, 3, 2, []byte("two"))
	hup := waitHup(t, m)
	if hup.SessionID != 2 || hup.Code != control.CodeConnectionError {
		t.Fatalf("HUP = %+v", hup)
	}
	if n := m.Active(); n != 1 {
		t.Fatalf("Active() = %d, want 1", n)
	}
}

func TestManagerHupOnLocalDeath(t *testing.T) {
	addr, conns, stop := startLocalService(t)
	defer stop()

	m := newTestManager(t, addr, 0)
	defer m.CloseAll()

	dispatchPayload(m, 3, 6, []byte("hi"))
	local := acceptLocal(t, conns)

	// Local service hangs up cleanly; the peer gets an OK-coded HUP.
	local.Close()

	hup := waitHup(t, m)
	if hup.SessionID != 6 {
		t.Fatalf("HUP session %d, want 6", hup.SessionID)
	}
	if hup.Code != control.CodeOK {
		t.Fatalf("HUP code %v, want OK", hup.Code)
	}
	if n := m.Active(); n != 0 {
		t.Fatalf("Active() = %d, want 0", n)
	}
}

func TestManagerCloseSessionIsSilent(t *testing.T) {
	addr, conns, stop := startLocalService(t)
	defer stop()

	m := newTestManager(t, addr, 0)
	defer m.CloseAll()

	dispatchPayload(m, 3, 4, []byte("hi"))
	local := acceptLocal(t, conns)
	defer local.Close()

	if !m.CloseSession(4) {
		t.Fatal("CloseSession(4) found nothing")
	}

	// The local connection is torn down...
	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	for {
		if _, err := local.Read(buf); err != nil {
			break
		}
	}

	// ...and no HUP goes out: the close was ordered by the peer.
	select {
	case msg := <-m.Outbound():
		if msg.Header().Service == control.ServiceID {
			t.Fatalf("unexpected control envelope after CloseSession")
		}
	case <-time.After(200 * time.Millisecond):
	}

	if m.CloseSession(4) {
		t.Fatal("CloseSession(4) found a session twice")
	}
}

func TestManagerCloseAll(t *testing.T) {
	addr, conns, stop := startLocalService(t)
	defer stop()

	m := newTestManager(t, addr, 0)

	for id := uint32(1); id <= 3; id++ {
		dispatchPayload(m, 3, id, []byte("hi"))
		local := acceptLocal(t, conns)
		defer local.Close()
	}

	m.CloseAll()
	if n := m.Active(); n != 0 {
		t.Fatalf("Active() = %d after CloseAll", n)
	}
	if err := m.Send(protocol.NewArrowMessage(3, 1, protocol.Bytes("late"))); err == nil {
		t.Fatal("Send should fail after CloseAll")
	}
	// Safe to call again.
	m.CloseAll()
}

// TestManagerEchoLoad pushes frames through several concurrent sessions
// against an echoing service and checks nothing is lost or misrouted.
func TestManagerEchoLoad(t *testing.T) {
	addr, conns, stop := startLocalService(t)
	defer stop()

	// Echo everything on every accepted connection.
	var wg sync.WaitGroup
	defer wg.Wait()
	go func() {
		for conn := range conns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()

	m := newTestManager(t, addr, 0)
	defer m.CloseAll()

	const (
		sessions  = 8
		perStream = 50
	)

	// Dispatch from the side so the funnel can be drained concurrently.
	go func() {
		for id := uint32(1); id <= sessions; id++ {
			for i := range perStream {
				payload := fmt.Appendf(nil, "s%d-%04d|", id, i)
				dispatchPayload(m, 3, id, payload)
			}
		}
	}()

	// Everything echoed must come back on the right session, in order.
	want := make(map[uint32]int, sessions)
	rebuilt := make(map[uint32][]byte, sessions)
	total := 0
	for id := uint32(1); id <= sessions; id++ {
		var b []byte
		for i := range perStream {
			b = fmt.Appendf(b, "s%d-%04d|", id, i)
		}
		want[id] = len(b)
		total += len(b)
	}

	received := 0
	for received < total {
		msg := waitOutbound(t, m)
		if msg.Header().Service != 3 {
			t.Fatalf("unexpected envelope on service %d", msg.Header().Service)
		}
		id := msg.Header().Session
		rebuilt[id] = append(rebuilt[id], msg.Payload()...)
		received += len(msg.Payload())
	}

	for id := uint32(1); id <= sessions; id++ {
		if len(rebuilt[id]) != want[id] {
			t.Fatalf("session %d: got %d bytes, want %d", id, len(rebuilt[id]), want[id])
		}
		var b []byte
		for i := range perStream {
			b = fmt.Appendf(b, "s%d-%04d|", id, i)
		}
		if !bytes.Equal(rebuilt[id], b) {
			t.Fatalf("session %d: stream corrupted", id)
		}
	}
}

func TestManagerIDSequenceStampsHups(t *testing.T) {
	addr, _, stop := startLocalService(t)
	defer stop()

	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	table := svcmap.NewTable()
	table.Add(svcmap.Service{ID: 3, Type: svcmap.TCP, Addr: ap})

	ids := &control.IDSequence{}
	ids.Next() // the connection already used id 1
	m := NewManager(ManagerConfig{Table: table, IDs: ids})
	defer m.CloseAll()

	dispatchPayload(m, 99, 1, nil)

	msg := waitOutbound(t, m)
	cm, err := control.ParseControlMessage(msg.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if cm.Header().MessageID != 2 {
		t.Fatalf("HUP message id %d, want 2", cm.Header().MessageID)
	}
}
