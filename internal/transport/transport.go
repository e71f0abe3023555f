// Package transport defines the coordinator's narrow transport
// capability and two backends that implement it. It is grounded on
// the teacher's common.Transport interface (kernel/core/mesh/common/
// types.go), narrowed from that interface's full discovery/RPC/DHT
// surface down to the four operations the coordinator actually needs:
// send, broadcast, recv, register.
package transport

import (
	"time"

	"github.com/openbuildnet/smn/internal/wire"
)

// Message is what Recv hands back to the coordinator: either a
// decoded frame from nodeID, or a synthetic TransportDown notice when
// a backend gives up on a node permanently.
type Message struct {
	NodeID int32
	Frame  *wire.Frame
	Down   bool // true if this is a synthetic TransportDown(NodeID) event
}

// Transport is the capability the coordinator depends on. Send hands
// one frame to one node and returns after the backend has written it:
// the broker backend writes to its connection and the name-server
// backend dials the node first, so Send blocks for the duration of that
// I/O. Send fails on a lost or unreachable endpoint, a failed write, and
// when a backend's rate limiter or circuit breaker refuses the frame.
// Broadcast is best-effort with no ordering guarantee; Recv is the single-threaded
// poll surface the coordinator's tick loop drives; Register establishes
// the stable node_id -> endpoint mapping during setup.
type Transport interface {
	Send(nodeID int32, f *wire.Frame) error
	Broadcast(f *wire.Frame) error
	Recv(deadline time.Time) (*Message, error)
	Register(nodeID int32, endpoint string) error
	Close() error
}

// ErrRecvTimeout is returned by Recv when deadline elapses with nothing to
// deliver. It is a sentinel, not a smnerr.Error, because a Recv timeout
// is an expected, routine condition the coordinator polls on — not a
// failure by itself.
type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: recv deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }

var ErrRecvTimeout error = timeoutError{}
