// Package control implements the Arrow control channel: typed messages
// that ride inside ArrowMessage envelopes on service 0, session 0.
package control

import "fmt"

// ServiceID is the Arrow service id reserved for the control channel.
const ServiceID = 0

// HeaderLen is the width of an encoded ControlMessageHeader.
const HeaderLen = 4

// MessageType identifies the type of a control message.
type MessageType uint16

const (
	MsgAck           MessageType = 0x0000
	MsgPing          MessageType = 0x0001
	MsgRegister      MessageType = 0x0002
	MsgRedirect      MessageType = 0x0003
	MsgUpdate        MessageType = 0x0004
	MsgHup           MessageType = 0x0005
	MsgResetSvcTable MessageType = 0x0006
	MsgGetStatus     MessageType = 0x0008
	MsgStatus        MessageType = 0x0009
	MsgUnknown       MessageType = 0xFFFF
)

func (t MessageType) String() string {
	switch t {
	case MsgAck:
		return "ACK"
	case MsgPing:
		return "PING"
	case MsgRegister:
		return "REGISTER"
	case MsgRedirect:
		return "REDIRECT"
	case MsgUpdate:
		return "UPDATE"
	case MsgHup:
		return "HUP"
	case MsgResetSvcTable:
		return "RESET_SVC_TABLE"
	case MsgGetStatus:
		return "GET_STATUS"
	case MsgStatus:
		return "STATUS"
	case MsgUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("control(0x%04x)", uint16(t))
	}
}

// ErrorCode is the status carried by ACK and HUP messages.
type ErrorCode uint32

const (
	CodeOK                 ErrorCode = 0
	CodeUnsupportedVersion ErrorCode = 1
	CodeUnauthorized       ErrorCode = 2
	CodeConnectionError    ErrorCode = 3
	CodeUnsupportedMethod  ErrorCode = 4
	CodeInternalError      ErrorCode = 0xFFFFFFFF
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnsupportedVersion:
		return "unsupported protocol version"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeConnectionError:
		return "connection error"
	case CodeUnsupportedMethod:
		return "unsupported method"
	case CodeInternalError:
		return "internal server error"
	default:
		return fmt.Sprintf("error(%d)", uint32(c))
	}
}

// Status flag bits.
const (
	FlagScanning uint32 = 1 << 0
)
