package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/openbuildnet/smn/internal/smnerr"
	"github.com/openbuildnet/smn/internal/wire"
)

// BrokerConfig configures the pub/sub broker backend.
type BrokerConfig struct {
	BrokerURL string // ws:// or wss:// endpoint of the broker

	// Dedup filter sizing (bits-and-blooms/bloom), grounded on the
	// teacher's gossip dedup filter — at-least-once broker delivery
	// means the coordinator can see the same ack frame twice.
	ExpectedFrames    uint
	FalsePositiveRate float64

	// Resend throttling (yasserelgammal/rate-limiter token bucket).
	ResendsPerSecond float64
	ResendBurst      int

	// Per-node circuit breaking (sony/gobreaker).
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// DefaultBrokerConfig returns sensible defaults for a small federation.
func DefaultBrokerConfig(brokerURL string) BrokerConfig {
	return BrokerConfig{
		BrokerURL:          brokerURL,
		ExpectedFrames:     10000,
		FalsePositiveRate:  0.001,
		ResendsPerSecond:   50,
		ResendBurst:        20,
		BreakerMaxFailures: 2,
		BreakerOpenTimeout: 5 * time.Second,
	}
}

// BrokerTransport is the pub/sub broker backend: a persistent
// gorilla/websocket connection to a broker process, with a bloom-filter
// dedup stage on inbound frames, a rate limiter bounding resend
// storms, and a gobreaker circuit breaker per outbound node.
type BrokerTransport struct {
	cfg  BrokerConfig
	conn *websocket.Conn

	mu       sync.Mutex
	seen     *bloom.BloomFilter
	limiter  *limiter.TokenBucket
	breakers map[int32]*gobreaker.CircuitBreaker

	endpoints map[int32]string

	inbound chan *Message
	closeCh chan struct{}
	closed  bool
}

// NewBrokerTransport dials the broker and starts the read pump. Reads
// happen on a background goroutine feeding a channel; Recv is the only
// surface the coordinator polls, matching SPEC_FULL.md §5's "one
// Recv(deadline) surface" requirement.
func NewBrokerTransport(cfg BrokerConfig) (*BrokerTransport, error) {
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, smnerr.Wrap(smnerr.KindTransport, smnerr.CodeSendFailed, "invalid broker url", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, smnerr.Wrap(smnerr.KindTransport, smnerr.CodeTransportDown, "failed to connect to broker", err)
	}

	store := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(cfg.ResendsPerSecond),
		Duration: time.Second,
		Burst:    int64(cfg.ResendBurst),
	}, store)
	if err != nil {
		return nil, smnerr.Wrap(smnerr.KindTransport, smnerr.CodeSendFailed, "failed to construct rate limiter", err)
	}

	t := &BrokerTransport{
		cfg:       cfg,
		conn:      conn,
		seen:      bloom.NewWithEstimates(cfg.ExpectedFrames, cfg.FalsePositiveRate),
		limiter:   tb,
		breakers:  make(map[int32]*gobreaker.CircuitBreaker),
		endpoints: make(map[int32]string),
		inbound:   make(chan *Message, 256),
		closeCh:   make(chan struct{}),
	}
	go t.readPump()
	return t, nil
}

func (t *BrokerTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Permanent read failure: surface TransportDown for every
			// node we know about and stop pumping.
			t.mu.Lock()
			nodes := make([]int32, 0, len(t.endpoints))
			for id := range t.endpoints {
				nodes = append(nodes, id)
			}
			t.mu.Unlock()
			for _, id := range nodes {
				select {
				case t.inbound <- &Message{NodeID: id, Down: true}:
				case <-t.closeCh:
					return
				}
			}
			return
		}

		if t.isDuplicate(data) {
			continue
		}

		f, err := wire.Decode(data)
		if err != nil {
			// CodecError on a single frame: drop and continue, matching
			// the locally-recovered error path of SPEC_FULL.md §7.
			continue
		}

		select {
		case t.inbound <- &Message{NodeID: f.NodeID, Frame: f}:
		case <-t.closeCh:
			return
		}
	}
}

func (t *BrokerTransport) isDuplicate(frame []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen.Test(frame) {
		return true
	}
	t.seen.Add(frame)
	return false
}

func (t *BrokerTransport) breakerFor(nodeID int32) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[nodeID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("node-%d", nodeID),
		MaxRequests: 1,
		Timeout:     t.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.cfg.BreakerMaxFailures
		},
	})
	t.breakers[nodeID] = cb
	return cb
}

// allow checks the token bucket for key, mirroring the teacher's
// checkRateLimit (kernel/core/mesh/routing/gossip.go): used as the
// single throttle point for every outbound write, so a resend storm
// from the failure/timeout policy (§4.6) or a repeated SIM_TERM
// broadcast on the error path cannot flood the broker connection.
func (t *BrokerTransport) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter.Allow(key)
}

// Send publishes a frame addressed to a single node over the broker
// connection, gated by that node's circuit breaker and rate limiter.
func (t *BrokerTransport) Send(nodeID int32, f *wire.Frame) error {
	if !t.allow(strconv.Itoa(int(nodeID))) {
		return smnerr.ErrRateLimited(nodeID)
	}
	cb := t.breakerFor(nodeID)
	_, err := cb.Execute(func() (any, error) {
		encoded, err := wire.Encode(f)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		writeErr := t.conn.WriteMessage(websocket.BinaryMessage, encoded)
		t.mu.Unlock()
		return nil, writeErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return smnerr.ErrCircuitOpen(nodeID)
		}
		return smnerr.ErrSendFailed(nodeID, err)
	}
	return nil
}

// Broadcast writes a frame on the shared broker connection, best-effort,
// no ordering guarantee. The frame carries no topic or broadcast marker:
// it is written exactly as Send writes a frame, throttled under one
// shared rate-limiter key and not gated by any circuit breaker.
func (t *BrokerTransport) Broadcast(f *wire.Frame) error {
	if !t.allow("__broadcast__") {
		return smnerr.ErrRateLimited(-1)
	}
	encoded, err := wire.Encode(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		return smnerr.Wrap(smnerr.KindTransport, smnerr.CodeSendFailed, "broadcast failed", err)
	}
	return nil
}

// Recv blocks until a message arrives or deadline elapses.
func (t *BrokerTransport) Recv(deadline time.Time) (*Message, error) {
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

// Register records the node's broker topic/endpoint. The broker
// backend doesn't dial out per-node (all traffic multiplexes over the
// one broker connection), so this just remembers the mapping for
// TransportDown bookkeeping.
func (t *BrokerTransport) Register(nodeID int32, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[nodeID] = endpoint
	return nil
}

// Close releases the broker connection.
func (t *BrokerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.closeCh)
	return t.conn.Close()
}
