package transport

import (
	"context"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sony/gobreaker"

	"github.com/openbuildnet/smn/internal/smnerr"
	"github.com/openbuildnet/smn/internal/wire"
)

const streamProtocol = "/smn/sim/1.0.0"

// NameServerConfig configures the name-server backend: nodes dial each
// other directly over libp2p streams; the coordinator's host resolves
// node_id -> multiaddr from an in-process name table populated at
// Register time (there is no dynamic peer discovery — the federation
// is a fixed, pre-declared set, per SPEC_FULL.md's Non-goals).
type NameServerConfig struct {
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

func DefaultNameServerConfig() NameServerConfig {
	return NameServerConfig{
		BreakerMaxFailures: 2,
		BreakerOpenTimeout: 5 * time.Second,
	}
}

// NameServerTransport is the libp2p-host backend, grounded on
// internal/network/mesh.go's StartNodeWithStreams/SendPacket pattern:
// one persistent stream handler registered on the coordinator's host,
// and one short-lived outbound stream per send.
type NameServerTransport struct {
	cfg  NameServerConfig
	host libp2p_host.Host

	mu        sync.Mutex
	addrs     map[int32]string // node_id -> multiaddr, populated by Register
	breakers  map[int32]*gobreaker.CircuitBreaker

	inbound chan *Message
	closeCh chan struct{}
	closed  bool
}

// NewNameServerTransport starts a fresh libp2p host and installs the
// stream handler that decodes inbound frames onto the Recv channel.
func NewNameServerTransport(cfg NameServerConfig) (*NameServerTransport, error) {
	host, err := libp2p.New()
	if err != nil {
		return nil, smnerr.Wrap(smnerr.KindTransport, smnerr.CodeTransportDown, "failed to start libp2p host", err)
	}

	t := &NameServerTransport{
		cfg:      cfg,
		host:     host,
		addrs:    make(map[int32]string),
		breakers: make(map[int32]*gobreaker.CircuitBreaker),
		inbound:  make(chan *Message, 256),
		closeCh:  make(chan struct{}),
	}

	host.SetStreamHandler(streamProtocol, func(s network.Stream) {
		defer s.Close()
		data, err := io.ReadAll(s)
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			return
		}
		select {
		case t.inbound <- &Message{NodeID: f.NodeID, Frame: f}:
		case <-t.closeCh:
		}
	})

	return t, nil
}

func (t *NameServerTransport) breakerFor(nodeID int32) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[nodeID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "node",
		MaxRequests: 1,
		Timeout:     t.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.cfg.BreakerMaxFailures
		},
	})
	t.breakers[nodeID] = cb
	return cb
}

// Register stores a node's multiaddr string as given; it is parsed on
// each Send.
func (t *NameServerTransport) Register(nodeID int32, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[nodeID] = endpoint
	return nil
}

// Send opens a short-lived stream to nodeID and writes the encoded
// frame, gated by that node's circuit breaker.
func (t *NameServerTransport) Send(nodeID int32, f *wire.Frame) error {
	t.mu.Lock()
	addr, ok := t.addrs[nodeID]
	t.mu.Unlock()
	if !ok {
		return smnerr.ErrTransportDown(nodeID, nil)
	}

	cb := t.breakerFor(nodeID)
	_, err := cb.Execute(func() (any, error) {
		return nil, t.sendOnce(addr, f)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return smnerr.ErrCircuitOpen(nodeID)
		}
		return smnerr.ErrSendFailed(nodeID, err)
	}
	return nil
}

func (t *NameServerTransport) sendOnce(addr string, f *wire.Frame) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.host.Connect(ctx, *info); err != nil {
		return err
	}
	stream, err := t.host.NewStream(ctx, info.ID, streamProtocol)
	if err != nil {
		return err
	}
	defer stream.Close()

	encoded, err := wire.Encode(f)
	if err != nil {
		return err
	}
	_, err = stream.Write(encoded)
	return err
}

// Broadcast fans Send out to every registered node; a per-node failure
// does not abort the broadcast for the others (best-effort).
func (t *NameServerTransport) Broadcast(f *wire.Frame) error {
	t.mu.Lock()
	ids := make([]int32, 0, len(t.addrs))
	for id := range t.addrs {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			_ = t.Send(id, f)
		}(id)
	}
	wg.Wait()
	return nil
}

// Recv blocks until a message arrives or deadline elapses.
func (t *NameServerTransport) Recv(deadline time.Time) (*Message, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case m := <-t.inbound:
		return m, nil
	case <-timer.C:
		return nil, ErrRecvTimeout
	case <-t.closeCh:
		return nil, ErrRecvTimeout
	}
}

// Close shuts down the libp2p host.
func (t *NameServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.closeCh)
	return t.host.Close()
}
