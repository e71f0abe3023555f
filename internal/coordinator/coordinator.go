// Package coordinator implements the SMN's central state machine: the
// tagged-variant lifecycle (Setup -> Init -> Running/Tick -> Stopping
// -> Stopped, Errored absorbing from anywhere) and the seven-step tick
// protocol. It is grounded on the teacher's supervisor.AckManager
// (retry-then-timeout over a channel) for the failure/timeout policy
// and on mesh.MeshCoordinator's Start/Stop lifecycle-goroutine shape,
// generalized from background loops to a single synchronous tick loop
// — the coordinator here is explicitly single-threaded, per
// SPEC_FULL.md §5.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbuildnet/smn/internal/config"
	"github.com/openbuildnet/smn/internal/eventqueue"
	"github.com/openbuildnet/smn/internal/registry"
	"github.com/openbuildnet/smn/internal/report"
	"github.com/openbuildnet/smn/internal/smnerr"
	"github.com/openbuildnet/smn/internal/transport"
	"github.com/openbuildnet/smn/internal/updategraph"
	"github.com/openbuildnet/smn/internal/wire"
)

// State is one of the coordinator's lifecycle states.
type State uint8

const (
	StateSetup State = iota
	StateInit
	StateRunning
	StateTick
	StateStopping
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "Setup"
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StateTick:
		return "Tick"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

type depKey = updategraph.Key

// Coordinator is the GC: it owns t, the event queue, the per-tick
// update-graph workspace, and the transport poll loop.
type Coordinator struct {
	cfg   *config.SystemConfig
	reg   *registry.Registry
	tr    transport.Transport
	sink  report.Sink
	log   *slog.Logger

	state State
	t     int64
	queue *eventqueue.Queue

	triggerEdges     map[depKey][]depKey
	feedthroughEdges map[depKey][]depKey

	pendingEvents []*eventqueue.Entry
}

// New constructs a coordinator and runs Setup: registers every node
// declared in cfg, derives the trigger/feedthrough maps, and
// initializes the event queue with every periodic block at t=0.
func New(cfg *config.SystemConfig, tr transport.Transport, sink report.Sink, log *slog.Logger) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		cfg:   cfg,
		reg:   registry.New(),
		tr:    tr,
		sink:  sink,
		log:   log.With("component", "coordinator"),
		state: StateSetup,
		t:     0,
		queue: eventqueue.New(),
	}

	if err := c.setup(); err != nil {
		c.state = StateErrored
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) setup() error {
	for _, ns := range c.cfg.Nodes {
		blocks := make([]*registry.Block, len(ns.Blocks))
		for i, bs := range ns.Blocks {
			blocks[i] = &registry.Block{
				LocalID:           bs.LocalID,
				Period:            bs.Period,
				NextFire:          registry.NeverFire,
				FeedthroughInputs: toSet(bs.FeedthroughInputs),
				TriggeringInputs:  toSet(bs.TriggeringInputs),
				OutputPorts:       toSet(bs.OutputPorts),
				InternalDeps:      toInt32Set(bs.InternalDeps),
			}
		}
		if _, err := c.reg.Register(ns.ID, ns.Name, blocks, ns.NeedsStateUpdate, ns.Endpoint); err != nil {
			return err
		}
		if err := c.tr.Register(ns.ID, ns.Endpoint); err != nil {
			return smnerr.ErrTransportDown(ns.ID, err)
		}
	}
	for _, cs := range c.cfg.Connections {
		src := c.reg.NodeByName(cs.SrcNode)
		dst := c.reg.NodeByName(cs.DstNode)
		if src == nil || dst == nil {
			continue
		}
		c.reg.AddConnection(registry.Connection{
			SrcNodeID: src.ID, SrcPort: cs.SrcPort,
			DstNodeID: dst.ID, DstPort: cs.DstPort,
		})
	}
	c.reg.Freeze()
	c.buildDepMaps()

	for _, n := range c.reg.All() {
		for _, b := range n.Blocks {
			if b.Period > 0 {
				c.queue.Push(&eventqueue.Entry{
					NodeID: n.ID, LocalBlockID: b.LocalID,
					FireTime: 0, TiebreakRank: b.TiebreakRank, Reason: eventqueue.Periodic,
				})
			}
		}
	}
	return nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}

func toInt32Set(items []int32) map[int32]struct{} {
	out := make(map[int32]struct{}, len(items))
	for _, v := range items {
		out[v] = struct{}{}
	}
	return out
}

func portKey(nodeID int32, port string) string {
	return fmt.Sprintf("%d:%s", nodeID, port)
}

// buildDepMaps derives, from the registered connections, the two edge
// relations the tick protocol needs: triggerEdges (same-t fixed-point
// expansion, step 2) and feedthroughEdges (wave DAG ordering, step 3).
func (c *Coordinator) buildDepMaps() {
	c.triggerEdges = make(map[depKey][]depKey)
	c.feedthroughEdges = make(map[depKey][]depKey)

	producer := make(map[string][]depKey)
	for _, n := range c.reg.All() {
		for _, b := range n.Blocks {
			for p := range b.OutputPorts {
				k := portKey(n.ID, p)
				producer[k] = append(producer[k], depKey{NodeID: n.ID, LocalBlockID: b.LocalID})
			}
		}
	}

	for _, conn := range c.reg.Connections() {
		srcs := producer[portKey(conn.SrcNodeID, conn.SrcPort)]
		dstNode := c.reg.Node(conn.DstNodeID)
		if dstNode == nil {
			continue
		}
		for _, b := range dstNode.Blocks {
			dst := depKey{NodeID: dstNode.ID, LocalBlockID: b.LocalID}
			if _, ok := b.TriggeringInputs[conn.DstPort]; ok {
				for _, s := range srcs {
					c.triggerEdges[s] = append(c.triggerEdges[s], dst)
				}
			}
			if _, ok := b.FeedthroughInputs[conn.DstPort]; ok {
				for _, s := range srcs {
					c.feedthroughEdges[s] = append(c.feedthroughEdges[s], dst)
				}
			}
		}
	}
}

func (c *Coordinator) rankOf(k depKey) int {
	n := c.reg.Node(k.NodeID)
	if n == nil {
		return 0
	}
	for _, b := range n.Blocks {
		if b.LocalID == k.LocalBlockID {
			return b.TiebreakRank
		}
	}
	return 0
}

func (c *Coordinator) blockOf(k depKey) *registry.Block {
	n := c.reg.Node(k.NodeID)
	if n == nil {
		return nil
	}
	for _, b := range n.Blocks {
		if b.LocalID == k.LocalBlockID {
			return b
		}
	}
	return nil
}

// Run drives the coordinator through Init, the tick loop, and
// Stopping/Stopped, observing ctx for cooperative cancellation between
// ticks. It returns nil on a clean Stopped exit and a non-nil error if
// the run ends in Errored.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.runInit(); err != nil {
		return c.fail(err)
	}

	c.state = StateRunning
	for {
		select {
		case <-ctx.Done():
			return c.stop("Cancelled")
		default:
		}

		if c.queue.Len() == 0 {
			return c.stop("Finished")
		}

		c.state = StateTick
		done, err := c.tick()
		if err != nil {
			return c.fail(err)
		}
		if done {
			return c.stop("Finished")
		}
		c.state = StateRunning

		if c.cfg.PacingRate > 0 {
			if next := c.queue.PeekMin(); next != nil {
				delta := next.FireTime - c.t
				time.Sleep(time.Duration(float64(time.Second) * c.cfg.PacingRate * float64(delta)))
			}
		}
	}
}

func (c *Coordinator) runInit() error {
	c.state = StateInit
	deadline := time.Now().Add(c.cfg.Deadlines.Init)

	pending := make(map[int32]bool)
	for _, n := range c.reg.All() {
		pending[n.ID] = true
		f := &wire.Frame{Kind: wire.KindInit, SimTime: 0, NodeID: n.ID, Payload: &wire.InitPayload{TimeUnitScale: c.cfg.TimeUnitScale}}
		if err := c.tr.Send(n.ID, f); err != nil {
			// A failed single send is retried once before giving up.
			if err := c.tr.Send(n.ID, f); err != nil {
				return smnerr.ErrTransportDown(n.ID, err)
			}
		}
	}

	for len(pending) > 0 {
		if time.Now().After(deadline) {
			var first int32 = -1
			for id := range pending {
				first = id
				break
			}
			return smnerr.ErrAckTimeout(first, "init")
		}
		msg, err := c.tr.Recv(deadline)
		if err != nil {
			continue
		}
		if msg.Down {
			return smnerr.ErrTransportDown(msg.NodeID, nil)
		}
		if msg.Frame != nil && msg.Frame.Kind == wire.KindAck {
			delete(pending, msg.NodeID)
		}
		if msg.Frame != nil && msg.Frame.Kind == wire.KindError {
			info := ""
			if p, ok := msg.Frame.Payload.(*wire.ErrorPayload); ok {
				info = p.Info
			}
			return smnerr.ErrNodeReportedError(msg.NodeID, info)
		}
		if msg.Frame != nil && msg.Frame.Kind == wire.KindEvent {
			c.bufferEvent(msg.Frame)
		}
	}
	for _, n := range c.reg.All() {
		c.reg.SetLiveness(n.ID, registry.Ready)
	}
	for _, e := range c.pendingEvents {
		c.queue.Push(e)
	}
	c.pendingEvents = nil
	return nil
}

// tick runs one iteration of the seven-step protocol. It returns
// (true, nil) when the run should transition to Stopping.
func (c *Coordinator) tick() (bool, error) {
	fired := c.advanceTime()
	if len(fired) == 0 {
		return true, nil
	}
	c.report(report.Event{Kind: report.TickStarted, T: c.t})

	fired = c.expandTriggers(fired)

	waves, err := c.buildWaves(fired)
	if err != nil {
		return false, err
	}

	if err := c.updateY(waves); err != nil {
		return false, err
	}
	if err := c.updateX(fired); err != nil {
		return false, err
	}

	c.reschedule(fired)

	c.report(report.Event{Kind: report.TickCompleted, T: c.t, FiredCount: len(fired), Waves: len(waves)})

	if c.cfg.FinalTime >= 0 && c.t >= c.cfg.FinalTime {
		return true, nil
	}
	return false, nil
}

// advanceTime implements step 1: pop every entry tied at the current
// minimum fire time and set t to that minimum.
func (c *Coordinator) advanceTime() []depKey {
	entries := c.queue.PopMin()
	if len(entries) == 0 {
		return nil
	}
	c.t = entries[0].FireTime
	fired := make([]depKey, 0, len(entries))
	for _, e := range entries {
		fired = append(fired, depKey{NodeID: e.NodeID, LocalBlockID: e.LocalBlockID})
	}
	return fired
}

// expandTriggers implements step 2: iterate to a fixed point over
// triggerEdges.
func (c *Coordinator) expandTriggers(fired []depKey) []depKey {
	present := make(map[depKey]bool, len(fired))
	for _, k := range fired {
		present[k] = true
	}
	frontier := append([]depKey{}, fired...)
	for len(frontier) > 0 {
		var next []depKey
		for _, k := range frontier {
			for _, dst := range c.triggerEdges[k] {
				if !present[dst] {
					present[dst] = true
					fired = append(fired, dst)
					next = append(next, dst)
				}
			}
		}
		frontier = next
	}
	return fired
}

// buildWaves implements step 3/4's DAG construction: internal_deps plus
// feedthrough edges restricted to the fired set, staged into
// deterministic topological waves.
func (c *Coordinator) buildWaves(fired []depKey) ([][]depKey, error) {
	g := updategraph.New(fired, c.rankOf)

	firedSet := make(map[depKey]bool, len(fired))
	for _, k := range fired {
		firedSet[k] = true
	}

	for _, k := range fired {
		b := c.blockOf(k)
		if b == nil {
			continue
		}
		for dep := range b.InternalDeps {
			src := depKey{NodeID: k.NodeID, LocalBlockID: dep}
			if firedSet[src] {
				g.AddEdge(src, k)
			}
		}
		for _, dst := range c.feedthroughEdges[k] {
			if firedSet[dst] {
				g.AddEdge(k, dst)
			}
		}
	}

	return g.Waves()
}

func maskFor(keys []depKey, nodeID int32) uint64 {
	var mask uint64
	for _, k := range keys {
		if k.NodeID == nodeID {
			mask |= 1 << uint(k.LocalBlockID)
		}
	}
	return mask
}

func nodesIn(keys []depKey) []int32 {
	seen := make(map[int32]bool)
	var out []int32
	for _, k := range keys {
		if !seen[k.NodeID] {
			seen[k.NodeID] = true
			out = append(out, k.NodeID)
		}
	}
	return out
}

// updateY implements step 4: walk the waves, send one SIM_Y per node
// per wave, and await acks under y_deadline with one silent retry.
func (c *Coordinator) updateY(waves [][]depKey) error {
	for _, wave := range waves {
		nodeIDs := nodesIn(wave)
		masks := make(map[int32]uint64, len(nodeIDs))
		for _, id := range nodeIDs {
			masks[id] = maskFor(wave, id)
		}
		if err := c.awaitAcks("UPDATE_Y", wire.KindY, masks); err != nil {
			return err
		}
	}
	return nil
}

// updateX implements step 5: broadcast SIM_X in parallel (no
// inter-node ordering) to every node with fired blocks and
// needs_state_update set.
func (c *Coordinator) updateX(fired []depKey) error {
	masks := make(map[int32]uint64)
	for _, id := range nodesIn(fired) {
		n := c.reg.Node(id)
		if n == nil || !n.NeedsStateUpdate {
			continue
		}
		masks[id] = maskFor(fired, id)
	}
	if len(masks) == 0 {
		return nil
	}
	return c.awaitAcks("UPDATE_X", wire.KindX, masks)
}

// awaitAcks sends one frame of kind per node in masks, then polls Recv
// until every node has acked its own mask, the phase's deadline
// elapses (with one silent retry of the same message), or a
// disqualifying event (wrong-mask ack, SIM_ERROR, TransportDown)
// aborts the run. Duplicate/late acks for an already-completed node
// are discarded.
func (c *Coordinator) awaitAcks(phase string, kind wire.Kind, masks map[int32]uint64) error {
	deadline, ok := c.phaseDeadline(phase)
	if !ok {
		return smnerr.ErrUnexpectedState("unknown phase " + phase)
	}

	send := func(nodeID int32, mask uint64) error {
		f := &wire.Frame{Kind: kind, SimTime: c.t, NodeID: nodeID, Mask: mask}
		if err := c.tr.Send(nodeID, f); err != nil {
			return err
		}
		return nil
	}

	pending := make(map[int32]uint64, len(masks))
	for id, mask := range masks {
		pending[id] = mask
		if err := send(id, mask); err != nil {
			// A failed single send is retried once before giving up.
			if err := send(id, mask); err != nil {
				return smnerr.ErrTransportDown(id, err)
			}
		}
	}

	retried := false
	for len(pending) > 0 {
		if time.Now().After(deadline) {
			if !retried {
				retried = true
				for id, mask := range pending {
					_ = send(id, mask) // idempotent on the node side
					c.report(report.Event{Kind: report.Resent, NodeID: id, Phase: phase})
				}
				deadline = time.Now().Add(c.phaseTimeout(phase))
				continue
			}
			var nodeID int32 = -1
			for id := range pending {
				nodeID = id
				break
			}
			c.reg.SetLiveness(nodeID, registry.TimedOut)
			c.queue.RemoveNode(nodeID)
			c.report(report.Event{Kind: report.NodeTimedOut, NodeID: nodeID})
			return smnerr.ErrNodeTimedOut(nodeID, phase)
		}

		msg, err := c.tr.Recv(deadline)
		if err != nil {
			continue
		}
		if msg.Down {
			c.reg.SetLiveness(msg.NodeID, registry.TimedOut)
			c.queue.RemoveNode(msg.NodeID)
			c.report(report.Event{Kind: report.NodeTimedOut, NodeID: msg.NodeID})
			return smnerr.ErrTransportDown(msg.NodeID, nil)
		}
		if msg.Frame == nil {
			continue
		}
		switch msg.Frame.Kind {
		case wire.KindError:
			info := ""
			if p, ok := msg.Frame.Payload.(*wire.ErrorPayload); ok {
				info = p.Info
			}
			c.report(report.Event{Kind: report.NodeErrorEvent, NodeID: msg.NodeID, Info: info})
			return smnerr.ErrNodeReportedError(msg.NodeID, info)
		case wire.KindAck:
			wantMask, stillPending := pending[msg.NodeID]
			if !stillPending {
				continue // duplicate ack, discard (I5/idempotency)
			}
			if msg.Frame.Mask != wantMask {
				return smnerr.ErrAckWrongMask(msg.NodeID, msg.Frame.Mask, wantMask)
			}
			delete(pending, msg.NodeID)
		case wire.KindEvent:
			c.bufferEvent(msg.Frame)
		}
	}
	return nil
}

func (c *Coordinator) phaseDeadline(phase string) (time.Time, bool) {
	d, ok := map[string]time.Duration{
		"UPDATE_Y": c.cfg.Deadlines.Y,
		"UPDATE_X": c.cfg.Deadlines.X,
	}[phase]
	if !ok {
		return time.Time{}, false
	}
	return time.Now().Add(d), true
}

func (c *Coordinator) phaseTimeout(phase string) time.Duration {
	switch phase {
	case "UPDATE_Y":
		return c.cfg.Deadlines.Y
	case "UPDATE_X":
		return c.cfg.Deadlines.X
	default:
		return c.cfg.Deadlines.Y
	}
}

func (c *Coordinator) bufferEvent(f *wire.Frame) {
	p, ok := f.Payload.(*wire.EventPayload)
	if !ok {
		return
	}
	if p.FireAt < c.t {
		c.log.Warn("LateEvent", "node_id", f.NodeID, "fire_at", p.FireAt, "t", c.t)
		return
	}
	c.pendingEvents = append(c.pendingEvents, &eventqueue.Entry{
		NodeID: f.NodeID, LocalBlockID: p.LocalBlockID,
		FireTime: p.FireAt, TiebreakRank: c.rankOf(depKey{NodeID: f.NodeID, LocalBlockID: p.LocalBlockID}),
		Reason: eventqueue.Irregular,
	})
}

// reschedule implements step 6: push periodic successors and any
// buffered irregular events.
func (c *Coordinator) reschedule(fired []depKey) {
	for _, k := range fired {
		b := c.blockOf(k)
		if b == nil || b.Period <= 0 {
			continue
		}
		c.queue.Push(&eventqueue.Entry{
			NodeID: k.NodeID, LocalBlockID: k.LocalBlockID,
			FireTime: c.t + b.Period, TiebreakRank: b.TiebreakRank, Reason: eventqueue.Periodic,
		})
	}
	for _, e := range c.pendingEvents {
		c.queue.Push(e)
	}
	c.pendingEvents = nil
}

// stop implements the Stopping -> Stopped transition: broadcast
// SIM_TERM, collect acks best-effort under term_deadline, release the
// transport, and emit the final report.
func (c *Coordinator) stop(reason string) error {
	c.state = StateStopping
	deadline := time.Now().Add(c.cfg.Deadlines.Term)
	_ = c.tr.Broadcast(&wire.Frame{Kind: wire.KindTerm, SimTime: c.t})
	for time.Now().Before(deadline) {
		if _, err := c.tr.Recv(deadline); err != nil {
			break
		}
	}
	_ = c.tr.Close()
	c.state = StateStopped
	c.report(report.Event{Kind: report.Finished, Reason: reason})
	return nil
}

// fail implements the terminate-on-error path common to every
// non-recoverable kind: broadcast SIM_TERM, drain briefly, enter
// Errored.
func (c *Coordinator) fail(cause error) error {
	c.state = StateErrored
	_ = c.tr.Broadcast(&wire.Frame{Kind: wire.KindTerm, SimTime: c.t})
	grace := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(grace) {
		if _, err := c.tr.Recv(grace); err != nil {
			break
		}
	}
	_ = c.tr.Close()
	c.report(report.Event{Kind: report.Finished, Reason: "Errored"})
	return cause
}

func (c *Coordinator) report(e report.Event) {
	if c.sink != nil {
		c.sink.Write(e)
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State { return c.state }

// T returns the coordinator's current virtual time.
func (c *Coordinator) T() int64 { return c.t }
