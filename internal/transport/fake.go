package transport

import (
	"sync"
	"time"

	"github.com/openbuildnet/smn/internal/wire"
)

// Fake is an in-memory Transport used by coordinator tests, standing
// in for a real broker or libp2p network the way the teacher's own
// tests construct fixtures directly rather than dialing out.
type Fake struct {
	mu      sync.Mutex
	inbound chan *Message
	sent    []sentFrame
	downed  map[int32]bool
	onSend  func(nodeID int32, f *wire.Frame) error
}

type sentFrame struct {
	NodeID int32
	Frame  *wire.Frame
}

// NewFake constructs an empty fake transport. Tests push inbound
// messages with Inject and read outbound sends with Sent.
func NewFake() *Fake {
	return &Fake{
		inbound: make(chan *Message, 256),
		downed:  make(map[int32]bool),
	}
}

// OnSend installs a hook called synchronously by Send/Broadcast,
// letting a test simulate a node's ack behavior inline.
func (f *Fake) OnSend(fn func(nodeID int32, frame *wire.Frame) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

func (f *Fake) Send(nodeID int32, frame *wire.Frame) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{NodeID: nodeID, Frame: frame})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		return hook(nodeID, frame)
	}
	return nil
}

func (f *Fake) Broadcast(frame *wire.Frame) error {
	return f.Send(-1, frame)
}

func (f *Fake) Recv(deadline time.Time) (*Message, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case m := <-f.inbound:
		return m, nil
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

func (f *Fake) Register(nodeID int32, endpoint string) error { return nil }

func (f *Fake) Close() error { return nil }

// Inject delivers a message to the coordinator's next Recv call, as if
// it arrived over the wire from nodeID.
func (f *Fake) Inject(nodeID int32, frame *wire.Frame) {
	f.inbound <- &Message{NodeID: nodeID, Frame: frame}
}

// InjectDown delivers a synthetic TransportDown(nodeID) event.
func (f *Fake) InjectDown(nodeID int32) {
	f.inbound <- &Message{NodeID: nodeID, Down: true}
}

// Sent returns every frame handed to Send/Broadcast so far, in order.
func (f *Fake) Sent() []struct {
	NodeID int32
	Frame  *wire.Frame
} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]struct {
		NodeID int32
		Frame  *wire.Frame
	}, len(f.sent))
	for i, s := range f.sent {
		out[i] = struct {
			NodeID int32
			Frame  *wire.Frame
		}{NodeID: s.NodeID, Frame: s.Frame}
	}
	return out
}
