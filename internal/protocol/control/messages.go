package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/arrowproto/gateway/internal/protocol"
	"github.com/arrowproto/gateway/internal/svcmap"
)

var (
	ErrShortPayload   = errors.New("control payload too short for message type")
	ErrUnknownMessage = errors.New("unknown control message type")
)

// ControlMessageHeader precedes every control message body.
type ControlMessageHeader struct {
	MessageID uint16
	Type      MessageType
}

func (h ControlMessageHeader) Encode(buf *protocol.Buffer) {
	var scratch [HeaderLen]byte
	binary.BigEndian.PutUint16(scratch[0:2], h.MessageID)
	binary.BigEndian.PutUint16(scratch[2:4], uint16(h.Type))
	buf.Write(scratch[:])
}

// --- Message bodies ---

// Ack confirms (or refuses) the message whose id it echoes.
type Ack struct {
	Code ErrorCode
}

func (a Ack) Len() int { return 4 }

func (a Ack) Encode(buf *protocol.Buffer) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(a.Code))
	buf.Write(scratch[:])
}

// Ping is an empty liveness probe. Either side answers with an ACK.
type Ping struct{}

func (Ping) Len() int { return 0 }

func (Ping) Encode(*protocol.Buffer) {}

// Register introduces the gateway to the service: identity material plus
// the current service table.
type Register struct {
	UUID       [16]byte
	MAC        [6]byte
	Passphrase [16]byte
	Services   svcmap.List
}

func (r Register) Len() int { return 38 + r.Services.Len() }

func (r Register) Encode(buf *protocol.Buffer) {
	buf.Write(r.UUID[:])
	buf.Write(r.MAC[:])
	buf.Write(r.Passphrase[:])
	r.Services.Encode(buf)
}

// Redirect tells the client to reconnect to another service endpoint. The
// target occupies the whole remaining payload, no length prefix.
type Redirect struct {
	Target string
}

func (r Redirect) Len() int { return len(r.Target) }

func (r Redirect) Encode(buf *protocol.Buffer) { buf.Write([]byte(r.Target)) }

// Update replaces the remote copy of the service table.
type Update struct {
	Services svcmap.List
}

func (u Update) Len() int { return u.Services.Len() }

func (u Update) Encode(buf *protocol.Buffer) { u.Services.Encode(buf) }

// Hup closes a single session without touching the connection.
type Hup struct {
	SessionID uint32
	Code      ErrorCode
}

func (h Hup) Len() int { return 8 }

func (h Hup) Encode(buf *protocol.Buffer) {
	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[0:4], protocol.MaskSession(h.SessionID))
	binary.BigEndian.PutUint32(scratch[4:8], uint32(h.Code))
	buf.Write(scratch[:])
}

// ResetSvcTable asks the client to rebuild its service table and send a
// fresh copy.
type ResetSvcTable struct{}

func (ResetSvcTable) Len() int { return 0 }

func (ResetSvcTable) Encode(*protocol.Buffer) {}

// GetStatus requests a STATUS report.
type GetStatus struct{}

func (GetStatus) Len() int { return 0 }

func (GetStatus) Encode(*protocol.Buffer) {}

// Status reports client state. RequestID echoes the GET_STATUS message id.
type Status struct {
	RequestID      uint16
	Flags          uint32
	ActiveSessions uint32
}

func (s Status) Len() int { return 10 }

func (s Status) Encode(buf *protocol.Buffer) {
	var scratch [10]byte
	binary.BigEndian.PutUint16(scratch[0:2], s.RequestID)
	binary.BigEndian.PutUint32(scratch[2:6], s.Flags)
	binary.BigEndian.PutUint32(scratch[6:10], s.ActiveSessions)
	buf.Write(scratch[:])
}

// --- Control messages ---

// ControlMessage is one complete control channel message. It implements
// protocol.MessageBody, so it can be handed straight to NewArrowMessage.
type ControlMessage struct {
	header ControlMessageHeader
	body   protocol.MessageBody
}

func (m *ControlMessage) Header() ControlMessageHeader { return m.header }

// Body returns the typed body; callers switch on the concrete type.
func (m *ControlMessage) Body() protocol.MessageBody { return m.body }

func (m *ControlMessage) Len() int { return HeaderLen + m.body.Len() }

func (m *ControlMessage) Encode(buf *protocol.Buffer) {
	m.header.Encode(buf)
	m.body.Encode(buf)
}

// Envelope wraps the message in an ArrowMessage addressed to the control
// service.
func (m *ControlMessage) Envelope() *protocol.ArrowMessage {
	return protocol.NewArrowMessage(ServiceID, 0, m)
}

func newControlMessage(messageID uint16, t MessageType, body protocol.MessageBody) *ControlMessage {
	return &ControlMessage{
		header: ControlMessageHeader{MessageID: messageID, Type: t},
		body:   body,
	}
}

func NewAck(messageID uint16, code ErrorCode) *ControlMessage {
	return newControlMessage(messageID, MsgAck, Ack{Code: code})
}

func NewPing(messageID uint16) *ControlMessage {
	return newControlMessage(messageID, MsgPing, Ping{})
}

func NewRegister(messageID uint16, r Register) *ControlMessage {
	return newControlMessage(messageID, MsgRegister, r)
}

func NewRedirect(messageID uint16, target string) *ControlMessage {
	return newControlMessage(messageID, MsgRedirect, Redirect{Target: target})
}

func NewUpdate(messageID uint16, services svcmap.List) *ControlMessage {
	return newControlMessage(messageID, MsgUpdate, Update{Services: services})
}

func NewHup(messageID uint16, sessionID uint32, code ErrorCode) *ControlMessage {
	return newControlMessage(messageID, MsgHup, Hup{SessionID: sessionID, Code: code})
}

func NewResetSvcTable(messageID uint16) *ControlMessage {
	return newControlMessage(messageID, MsgResetSvcTable, ResetSvcTable{})
}

func NewGetStatus(messageID uint16) *ControlMessage {
	return newControlMessage(messageID, MsgGetStatus, GetStatus{})
}

func NewStatus(messageID uint16, s Status) *ControlMessage {
	return newControlMessage(messageID, MsgStatus, s)
}

// --- Decoding ---

// ParseControlMessage decodes the payload of an ArrowMessage received on
// the control service. The control stream is trusted framing, so a short
// payload or unknown type is a hard error, never a retry.
func ParseControlMessage(payload []byte) (*ControlMessage, error) {
	if len(payload) < HeaderLen {
		return nil, fmt.Errorf("%w: %d header bytes", ErrShortPayload, len(payload))
	}
	header := ControlMessageHeader{
		MessageID: binary.BigEndian.Uint16(payload[0:2]),
		Type:      MessageType(binary.BigEndian.Uint16(payload[2:4])),
	}
	body, err := parseBody(header.Type, payload[HeaderLen:])
	if err != nil {
		return nil, err
	}
	return &ControlMessage{header: header, body: body}, nil
}

func parseBody(t MessageType, data []byte) (protocol.MessageBody, error) {
	switch t {
	case MsgAck:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: ACK needs 4 bytes, got %d", ErrShortPayload, len(data))
		}
		return Ack{Code: ErrorCode(binary.BigEndian.Uint32(data[0:4]))}, nil

	case MsgPing:
		return Ping{}, nil

	case MsgRegister:
		if len(data) < 38 {
			return nil, fmt.Errorf("%w: REGISTER needs at least 38 bytes, got %d", ErrShortPayload, len(data))
		}
		var r Register
		copy(r.UUID[:], data[0:16])
		copy(r.MAC[:], data[16:22])
		copy(r.Passphrase[:], data[22:38])
		services, err := svcmap.ParseList(data[38:])
		if err != nil {
			return nil, err
		}
		r.Services = services
		return r, nil

	case MsgRedirect:
		return Redirect{Target: string(data)}, nil

	case MsgUpdate:
		services, err := svcmap.ParseList(data)
		if err != nil {
			return nil, err
		}
		return Update{Services: services}, nil

	case MsgHup:
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: HUP needs 8 bytes, got %d", ErrShortPayload, len(data))
		}
		return Hup{
			SessionID: protocol.MaskSession(binary.BigEndian.Uint32(data[0:4])),
			Code:      ErrorCode(binary.BigEndian.Uint32(data[4:8])),
		}, nil

	case MsgResetSvcTable:
		return ResetSvcTable{}, nil

	case MsgGetStatus:
		return GetStatus{}, nil

	case MsgStatus:
		if len(data) < 10 {
			return nil, fmt.Errorf("%w: STATUS needs 10 bytes, got %d", ErrShortPayload, len(data))
		}
		return Status{
			RequestID:      binary.BigEndian.Uint16(data[0:2]),
			Flags:          binary.BigEndian.Uint32(data[2:6]),
			ActiveSessions: binary.BigEndian.Uint32(data[6:10]),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %#04x", ErrUnknownMessage, uint16(t))
	}
}

// IDSequence allocates control message ids for one connection. Ids are
// monotonically increasing, wrap at 16 bits, and may be drawn from any
// goroutine.
type IDSequence struct {
	n atomic.Uint32
}

// Next returns the next message id. The first id handed out is 1.
func (s *IDSequence) Next() uint16 {
	return uint16(s.n.Add(1))
}
