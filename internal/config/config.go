// Package config loads the immutable SystemConfig the coordinator is
// constructed with. Configuration is read once, at process start, from
// a YAML document — there is no global mutable registration state, per
// SPEC_FULL.md's design notes.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openbuildnet/smn/internal/smnerr"
	"github.com/openbuildnet/smn/internal/updategraph"
)

// PortSpec is a declared port on a node.
type PortSpec struct {
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"` // "input" | "output" | "data"
}

// BlockSpec is a declared block within a node.
type BlockSpec struct {
	LocalID            int32    `yaml:"local_id"`
	Period             int64    `yaml:"period"` // atoms; 0 = event-only
	FeedthroughInputs  []string `yaml:"feedthrough_inputs"`
	TriggeringInputs   []string `yaml:"triggering_inputs"`
	OutputPorts        []string `yaml:"output_ports"`
	InternalDeps       []int32  `yaml:"internal_deps"`
}

// NodeSpec is a declared node.
type NodeSpec struct {
	ID               int32       `yaml:"id"`
	Name             string      `yaml:"name"`
	Endpoint         string      `yaml:"endpoint"`
	NeedsStateUpdate bool        `yaml:"needs_state_update"`
	Blocks           []BlockSpec `yaml:"blocks"`
	Ports            []PortSpec  `yaml:"ports"`
}

// ConnectionSpec is a declared cross-node port connection.
type ConnectionSpec struct {
	SrcNode string `yaml:"src_node"`
	SrcPort string `yaml:"src_port"`
	DstNode string `yaml:"dst_node"`
	DstPort string `yaml:"dst_port"`
}

// Deadlines are the coordinator's per-phase wall-clock timeouts.
type Deadlines struct {
	Init time.Duration `yaml:"init_deadline"`
	Y    time.Duration `yaml:"y_deadline"`
	X    time.Duration `yaml:"x_deadline"`
	Term time.Duration `yaml:"term_deadline"`
}

// SystemConfig is the immutable configuration the coordinator is built
// from. It is not mutated after Load returns.
type SystemConfig struct {
	TimeUnitScale int64            `yaml:"time_unit_scale"`
	FinalTime     int64            `yaml:"final_time"` // -1 means run until queue empty
	Nodes         []NodeSpec       `yaml:"nodes"`
	Connections   []ConnectionSpec `yaml:"connections"`
	Deadlines     Deadlines        `yaml:"deadlines"`

	// PacingRate, if > 0, is the wall-clock-seconds-per-atom sleep the
	// coordinator applies between ticks (SPEC_FULL.md §9 pacing option).
	PacingRate float64 `yaml:"pacing_rate"`
}

// Load reads and validates a SystemConfig from path.
func Load(path string) (*SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, smnerr.Wrap(smnerr.KindConfig, smnerr.CodeMissingField, "failed to read config file", err)
	}
	var cfg SystemConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, smnerr.Wrap(smnerr.KindConfig, smnerr.CodeMissingField, "failed to parse config yaml", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks I2 (no cycle in the static dependency projection),
// duplicate node names, negative block periods, dangling port
// references, and sane deadlines — the four ConfigError conditions
// spec.md §7 lists plus the deadline sanity check SPEC_FULL.md adds.
func (c *SystemConfig) Validate() error {
	seenNames := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seenNames[n.Name] {
			return smnerr.ErrDuplicateNodeName(n.Name)
		}
		seenNames[n.Name] = true
	}

	if c.Deadlines.Init <= 0 {
		return smnerr.ErrInvalidDeadline("init_deadline", c.Deadlines.Init)
	}
	if c.Deadlines.Y <= 0 {
		return smnerr.ErrInvalidDeadline("y_deadline", c.Deadlines.Y)
	}
	if c.Deadlines.X <= 0 {
		return smnerr.ErrInvalidDeadline("x_deadline", c.Deadlines.X)
	}
	if c.Deadlines.Term <= 0 {
		return smnerr.ErrInvalidDeadline("term_deadline", c.Deadlines.Term)
	}

	if err := c.validatePeriodsAndPorts(); err != nil {
		return err
	}

	return c.validateAcyclic()
}

// validatePeriodsAndPorts rejects a negative block period (§4.5 step 6
// reschedules at t+period; a negative period would never converge) and
// any block or connection reference to a port name not declared in the
// referencing node's Ports list.
func (c *SystemConfig) validatePeriodsAndPorts() error {
	nodeByName := make(map[string]*NodeSpec, len(c.Nodes))
	for i := range c.Nodes {
		nodeByName[c.Nodes[i].Name] = &c.Nodes[i]
	}

	for i := range c.Nodes {
		n := &c.Nodes[i]
		declared := declaredPorts(n.Ports)
		for _, b := range n.Blocks {
			if b.Period < 0 {
				return smnerr.ErrInvalidPeriod(n.Name, b.LocalID, b.Period)
			}
			for _, p := range b.FeedthroughInputs {
				if !declared[p] {
					return smnerr.ErrUnknownPort(n.Name, b.LocalID, p)
				}
			}
			for _, p := range b.TriggeringInputs {
				if !declared[p] {
					return smnerr.ErrUnknownPort(n.Name, b.LocalID, p)
				}
			}
			for _, p := range b.OutputPorts {
				if !declared[p] {
					return smnerr.ErrUnknownPort(n.Name, b.LocalID, p)
				}
			}
		}
	}

	for _, conn := range c.Connections {
		src, ok := nodeByName[conn.SrcNode]
		if !ok || !declaredPorts(src.Ports)[conn.SrcPort] {
			return smnerr.ErrUnknownPort(conn.SrcNode, -1, conn.SrcPort)
		}
		dst, ok := nodeByName[conn.DstNode]
		if !ok || !declaredPorts(dst.Ports)[conn.DstPort] {
			return smnerr.ErrUnknownPort(conn.DstNode, -1, conn.DstPort)
		}
	}
	return nil
}

func declaredPorts(ports []PortSpec) map[string]bool {
	out := make(map[string]bool, len(ports))
	for _, p := range ports {
		out[p.Name] = true
	}
	return out
}

func (c *SystemConfig) validateAcyclic() error {
	nameToID := make(map[string]int32, len(c.Nodes))
	for _, n := range c.Nodes {
		nameToID[n.Name] = n.ID
	}

	var keys []updategraph.Key
	for _, n := range c.Nodes {
		for _, b := range n.Blocks {
			keys = append(keys, updategraph.Key{NodeID: n.ID, LocalBlockID: b.LocalID})
		}
	}

	var edges [][2]updategraph.Key
	for _, n := range c.Nodes {
		for _, b := range n.Blocks {
			dst := updategraph.Key{NodeID: n.ID, LocalBlockID: b.LocalID}
			for _, dep := range b.InternalDeps {
				edges = append(edges, [2]updategraph.Key{{NodeID: n.ID, LocalBlockID: dep}, dst})
			}
		}
	}

	// Cross-node feedthrough edges, derived from connections: if a
	// connection's destination port is listed as a feedthrough input of
	// some block, every block producing the source port feeds it.
	producerOf := make(map[string]map[string][]updategraph.Key) // nodeName -> portName -> producing blocks
	for _, n := range c.Nodes {
		producerOf[n.Name] = make(map[string][]updategraph.Key)
		for _, b := range n.Blocks {
			for _, p := range b.OutputPorts {
				producerOf[n.Name][p] = append(producerOf[n.Name][p], updategraph.Key{NodeID: n.ID, LocalBlockID: b.LocalID})
			}
		}
	}

	for _, conn := range c.Connections {
		dstID, ok := nameToID[conn.DstNode]
		if !ok {
			continue
		}
		var dstNode *NodeSpec
		for i := range c.Nodes {
			if c.Nodes[i].ID == dstID {
				dstNode = &c.Nodes[i]
				break
			}
		}
		if dstNode == nil {
			continue
		}
		for _, b := range dstNode.Blocks {
			if !containsString(b.FeedthroughInputs, conn.DstPort) {
				continue
			}
			dst := updategraph.Key{NodeID: dstID, LocalBlockID: b.LocalID}
			for _, src := range producerOf[conn.SrcNode][conn.SrcPort] {
				edges = append(edges, [2]updategraph.Key{src, dst})
			}
		}
	}

	return updategraph.ValidateAcyclic(keys, edges)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
