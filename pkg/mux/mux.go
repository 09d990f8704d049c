// Package mux implements the stream-multiplexing framing layered on a
// single WebSocket: every binary frame is prefixed with a 4-byte
// big-endian stream id, and a stream is considered half-closed once a
// frame with an empty payload is observed for its id.
package mux

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Role determines whether this multiplexer allocates odd (client) or even
// (server) stream ids.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// FrameHeaderLen is the number of bytes the stream id occupies on the wire.
const FrameHeaderLen = 4

// Multiplexer tracks the live stream ids for one session and allocates new
// ones. It is safe for concurrent use: each stream has exactly one producer
// and one consumer goroutine per direction, but NewStream/DelStream may be
// called from any of them.
type Multiplexer struct {
	mu     sync.Mutex
	nextID uint32
	live   map[uint32]struct{}
}

// New creates a Multiplexer for the given role. The first allocated id is 1
// for a client and 2 for a server; ids 0 is reserved and never allocated.
func New(role Role) *Multiplexer {
	start := uint32(1)
	if role == RoleServer {
		start = 2
	}
	return &Multiplexer{
		nextID: start,
		live:   make(map[uint32]struct{}),
	}
}

// NewStream allocates the next id for this role, marks it live and returns
// it. Ids are never recycled; session lifetimes are assumed short relative
// to the id space.
func (m *Multiplexer) NewStream() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID += 2
	m.live[id] = struct{}{}
	return id
}

// MarkLive records an externally-chosen id (used by the server side, which
// learns ids from inbound REQUEST messages rather than allocating them
// itself) as live. It reports false if the id was already live.
func (m *Multiplexer) MarkLive(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.live[id]; exists {
		return false
	}
	m.live[id] = struct{}{}
	return true
}

// IsLive reports whether id is currently tracked as live.
func (m *Multiplexer) IsLive(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.live[id]
	return ok
}

// DelStream removes id from the live set. It is idempotent.
func (m *Multiplexer) DelStream(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.live, id)
}

// Encode prepends the big-endian stream id to payload, returning a new
// buffer ready to send as a WebSocket BINARY frame.
func Encode(id uint32, payload []byte) []byte {
	frame := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, id)
	copy(frame[FrameHeaderLen:], payload)
	return frame
}

// Decode splits a BINARY frame into its stream id and payload. An empty
// payload is the EOF marker for that stream — callers must preserve this
// convention rather than special-casing it away.
func Decode(frame []byte) (id uint32, payload []byte, err error) {
	if len(frame) < FrameHeaderLen {
		return 0, nil, fmt.Errorf("mux: frame shorter than header (%d bytes)", len(frame))
	}
	id = binary.BigEndian.Uint32(frame[:FrameHeaderLen])
	payload = frame[FrameHeaderLen:]
	return id, payload, nil
}
