// Package svcmap models the gateway's service table: the local services
// exposed through the Arrow connection, each addressed by a 16-bit service
// id. Id 0 is reserved for the control channel and never appears here.
package svcmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/arrowproto/gateway/internal/protocol"
)

var ErrTruncated = errors.New("truncated service table")

// ServiceType tells the remote end what kind of endpoint a service is.
type ServiceType uint16

const (
	RTSP            ServiceType = 1
	LockedRTSP      ServiceType = 2
	UnknownRTSP     ServiceType = 3
	UnsupportedRTSP ServiceType = 4
	HTTP            ServiceType = 5
	MJPEG           ServiceType = 6
	LockedMJPEG     ServiceType = 7
	TCP             ServiceType = 8
)

func (t ServiceType) String() string {
	switch t {
	case RTSP:
		return "rtsp"
	case LockedRTSP:
		return "locked-rtsp"
	case UnknownRTSP:
		return "unknown-rtsp"
	case UnsupportedRTSP:
		return "unsupported-rtsp"
	case HTTP:
		return "http"
	case MJPEG:
		return "mjpeg"
	case LockedMJPEG:
		return "locked-mjpeg"
	case TCP:
		return "tcp"
	default:
		return fmt.Sprintf("service-type(%d)", uint16(t))
	}
}

// Service is one table entry. MAC identifies the device the service was
// discovered on; only its first 6 bytes go on the wire. Path carries the
// RTSP/HTTP resource path and stays empty for raw TCP services.
type Service struct {
	ID   uint16
	Type ServiceType
	MAC  net.HardwareAddr
	Addr netip.AddrPort
	Path string
}

// entrySize is the fixed part of one wire entry:
// id u16, type u16, mac 6B, ip 16B (v4-in-v6), port u16, path length u16.
const entrySize = 30

// List is an ordered set of services in wire form: a u16 count followed by
// the entries. It implements protocol.MessageBody so it can be embedded in
// control messages directly.
type List []Service

func (l List) Len() int {
	n := 2
	for _, s := range l {
		n += entrySize + len(s.Path)
	}
	return n
}

func (l List) Encode(buf *protocol.Buffer) {
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(l)))
	buf.Write(count[:])
	for _, s := range l {
		// Fresh per entry so a short or absent MAC encodes as zeros.
		var scratch [entrySize]byte
		binary.BigEndian.PutUint16(scratch[0:2], s.ID)
		binary.BigEndian.PutUint16(scratch[2:4], uint16(s.Type))
		copy(scratch[4:10], s.MAC)
		ip := s.Addr.Addr().As16()
		copy(scratch[10:26], ip[:])
		binary.BigEndian.PutUint16(scratch[26:28], s.Addr.Port())
		binary.BigEndian.PutUint16(scratch[28:30], uint16(len(s.Path)))
		buf.Write(scratch[:])
		buf.Write([]byte(s.Path))
	}
}

// ParseList decodes a wire-form service table. The payload must contain the
// table and nothing else; trailing bytes are an error because every caller
// hands over an exact sub-payload.
func ParseList(data []byte) (List, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: no count", ErrTruncated)
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]

	list := make(List, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < entrySize {
			return nil, fmt.Errorf("%w: entry %d", ErrTruncated, i)
		}
		pathLen := int(binary.BigEndian.Uint16(data[28:30]))
		if len(data) < entrySize+pathLen {
			return nil, fmt.Errorf("%w: path of entry %d", ErrTruncated, i)
		}

		mac := make(net.HardwareAddr, 6)
		copy(mac, data[4:10])
		var ip [16]byte
		copy(ip[:], data[10:26])

		list = append(list, Service{
			ID:   binary.BigEndian.Uint16(data[0:2]),
			Type: ServiceType(binary.BigEndian.Uint16(data[2:4])),
			MAC:  mac,
			Addr: netip.AddrPortFrom(netip.AddrFrom16(ip).Unmap(), binary.BigEndian.Uint16(data[26:28])),
			Path: string(data[entrySize : entrySize+pathLen]),
		})
		data = data[entrySize+pathLen:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after service table", len(data))
	}
	return list, nil
}

// Table is the live, concurrency-safe service table shared by the client
// event loop and the session manager.
type Table struct {
	mu       sync.RWMutex
	next     uint16
	services []Service
}

func NewTable() *Table {
	return &Table{next: 1}
}

// Add inserts a service and returns its id. A zero id is replaced with the
// next free one; an explicit id bumps the allocator past it so later
// automatic ids cannot collide.
func (t *Table) Add(svc Service) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if svc.ID == 0 {
		svc.ID = t.next
		t.next++
	} else if svc.ID >= t.next {
		t.next = svc.ID + 1
	}
	t.services = append(t.services, svc)
	return svc.ID
}

// Lookup finds a service by id.
func (t *Table) Lookup(id uint16) (Service, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.services {
		if s.ID == id {
			return s, true
		}
	}
	return Service{}, false
}

// Snapshot returns a copy of the table in insertion order, ready to encode.
func (t *Table) Snapshot() List {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(List, len(t.services))
	copy(out, t.services)
	return out
}

// Size reports the number of services in the table.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.services)
}
