// Package registry holds the SMN's node/block/port bookkeeping: a
// stable integer-id table built during setup and frozen before the
// first tick. It is grounded on the teacher's peer bookkeeping
// (map[string]*PeerInfo guarded by a RWMutex) generalized from dynamic
// peer churn to static, freeze-after-setup registration.
package registry

import (
	"sort"
	"sync"

	"github.com/openbuildnet/smn/internal/smnerr"
)

// Direction is a port's data-flow direction.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionData
)

// Liveness is one of the states of invariant I4's monotone path, plus
// the two absorbing failure states.
type Liveness uint8

const (
	Unregistered Liveness = iota
	Registered
	Ready
	Running
	Stopped
	Errored
	TimedOut
)

func (l Liveness) String() string {
	switch l {
	case Unregistered:
		return "Unregistered"
	case Registered:
		return "Registered"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	case Errored:
		return "Errored"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// Terminal reports whether l is one of the absorbing states.
func (l Liveness) Terminal() bool {
	return l == Stopped || l == Errored || l == TimedOut
}

// Port belongs to a Node.
type Port struct {
	Name      string
	Direction Direction
}

// Block is a child of a Node, indexed by LocalID within that node.
type Block struct {
	LocalID            int32
	Period             int64 // 0 means event-only
	NextFire           int64 // set to NeverFire at setup; the coordinator schedules through its event queue and does not update this field
	FeedthroughInputs  map[string]struct{}
	TriggeringInputs   map[string]struct{}
	OutputPorts        map[string]struct{}
	InternalDeps       map[int32]struct{} // other LocalIDs within the same node
	TiebreakRank       int               // global registration order, assigned at registration
}

// NeverFire is the sentinel NextFire value for a block with no
// scheduled firing.
const NeverFire int64 = -1

// Node is created at setup and (conceptually) destroyed at shutdown.
type Node struct {
	ID                int32
	Name              string
	Blocks            []*Block
	Ports             map[string]*Port
	NeedsStateUpdate  bool
	Liveness          Liveness
	TransportEndpoint string
}

// Connection is a directed edge from one node's output port to
// another's input port, used only to derive cross-node trigger and
// feedthrough dependencies.
type Connection struct {
	SrcNodeID int32
	SrcPort   string
	DstNodeID int32
	DstPort   string
}

// Registry is the id-indexed node table plus a name->id map. It is
// mutable during Setup and frozen for the rest of the run.
type Registry struct {
	mu          sync.RWMutex
	byID        map[int32]*Node
	byName      map[string]int32
	connections []Connection
	frozen      bool
	nextRank    int
}

func New() *Registry {
	return &Registry{
		byID:   make(map[int32]*Node),
		byName: make(map[string]int32),
	}
}

// blockSignature is what idempotent re-registration compares: the
// declared shape of a node's blocks, not their runtime state.
type blockSignature struct {
	localID int32
	period  int64
	ports   string
}

func signatureOf(blocks []*Block) []blockSignature {
	sigs := make([]blockSignature, len(blocks))
	for i, b := range blocks {
		ports := make([]string, 0, len(b.OutputPorts))
		for p := range b.OutputPorts {
			ports = append(ports, p)
		}
		sort.Strings(ports)
		sig := blockSignature{localID: b.LocalID, period: b.Period}
		for _, p := range ports {
			sig.ports += p + ","
		}
		sigs[i] = sig
	}
	return sigs
}

func sameSignature(a, b []blockSignature) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Register adds a new node or, if name is already known, validates
// that the re-registration carries an identical block signature
// (RegistrationConflict otherwise). Assigns stable, increasing
// TiebreakRank values to each block the first time it is seen.
func (r *Registry) Register(id int32, name string, blocks []*Block, needsStateUpdate bool, endpoint string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil, smnerr.ErrUnexpectedState("registry frozen, cannot register after setup")
	}

	if existingID, ok := r.byName[name]; ok {
		existing := r.byID[existingID]
		if existingID != id {
			return nil, smnerr.ErrRegistrationConflict(id, name)
		}
		if !sameSignature(signatureOf(existing.Blocks), signatureOf(blocks)) {
			return nil, smnerr.ErrRegistrationConflict(id, name)
		}
		return existing, nil
	}

	if _, ok := r.byID[id]; ok {
		return nil, smnerr.ErrRegistrationConflict(id, name)
	}

	for _, b := range blocks {
		b.TiebreakRank = r.nextRank
		r.nextRank++
	}

	node := &Node{
		ID:                id,
		Name:              name,
		Blocks:            blocks,
		Ports:             make(map[string]*Port),
		NeedsStateUpdate:  needsStateUpdate,
		Liveness:          Registered,
		TransportEndpoint: endpoint,
	}
	r.byID[id] = node
	r.byName[name] = id
	return node, nil
}

// AddConnection records a cross-node port connection used later to
// derive trigger and feedthrough dependency edges.
func (r *Registry) AddConnection(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = append(r.connections, c)
}

// Connections returns a snapshot of all recorded connections.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, len(r.connections))
	copy(out, r.connections)
	return out
}

// Freeze closes registration for the remainder of the run.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Node returns the node for id, or nil if unknown.
func (r *Registry) Node(id int32) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// NodeByName returns the node registered under name, or nil if unknown.
func (r *Registry) NodeByName(name string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// All returns every registered node, ordered by ID for deterministic
// iteration.
func (r *Registry) All() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.byID))
	for _, n := range r.byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetLiveness transitions a node's liveness. It does not itself
// validate monotonicity (I4) — callers (the coordinator) are the only
// writers and already follow the one legal path.
func (r *Registry) SetLiveness(id int32, l Liveness) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byID[id]; ok {
		n.Liveness = l
	}
}
