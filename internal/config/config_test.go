package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDeadlines() Deadlines {
	return Deadlines{
		Init: time.Second,
		Y:    time.Second,
		X:    time.Second,
		Term: time.Second,
	}
}

func TestValidateRejectsDuplicateNodeNames(t *testing.T) {
	cfg := &SystemConfig{
		Nodes: []NodeSpec{
			{ID: 1, Name: "motor"},
			{ID: 2, Name: "motor"},
		},
		Deadlines: validDeadlines(),
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsZeroDeadline(t *testing.T) {
	cfg := &SystemConfig{
		Nodes:     []NodeSpec{{ID: 1, Name: "motor"}},
		Deadlines: Deadlines{Init: 0, Y: time.Second, X: time.Second, Term: time.Second},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsNegativePeriod(t *testing.T) {
	cfg := &SystemConfig{
		Nodes: []NodeSpec{
			{
				ID:   1,
				Name: "motor",
				Blocks: []BlockSpec{
					{LocalID: 0, Period: -1000},
				},
			},
		},
		Deadlines: validDeadlines(),
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnknownPortOnBlock(t *testing.T) {
	cfg := &SystemConfig{
		Nodes: []NodeSpec{
			{
				ID:   1,
				Name: "controller",
				Blocks: []BlockSpec{
					{LocalID: 0, FeedthroughInputs: []string{"in"}},
				},
			},
		},
		Deadlines: validDeadlines(),
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsUnknownPortOnConnection(t *testing.T) {
	cfg := &SystemConfig{
		Nodes: []NodeSpec{
			{
				ID:   1,
				Name: "sensor",
				Ports: []PortSpec{
					{Name: "reading", Direction: "output"},
				},
				Blocks: []BlockSpec{
					{LocalID: 0, OutputPorts: []string{"reading"}},
				},
			},
			{
				ID:   2,
				Name: "controller",
				Blocks: []BlockSpec{
					{LocalID: 0},
				},
			},
		},
		Connections: []ConnectionSpec{
			{SrcNode: "sensor", SrcPort: "reading", DstNode: "controller", DstPort: "in"},
		},
		Deadlines: validDeadlines(),
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateDetectsInternalDepCycle(t *testing.T) {
	cfg := &SystemConfig{
		Nodes: []NodeSpec{
			{
				ID:   1,
				Name: "controller",
				Blocks: []BlockSpec{
					{LocalID: 0, InternalDeps: []int32{1}},
					{LocalID: 1, InternalDeps: []int32{0}},
				},
			},
		},
		Deadlines: validDeadlines(),
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsFeedthroughAcrossNodes(t *testing.T) {
	cfg := &SystemConfig{
		Nodes: []NodeSpec{
			{
				ID:   1,
				Name: "sensor",
				Ports: []PortSpec{
					{Name: "reading", Direction: "output"},
				},
				Blocks: []BlockSpec{
					{LocalID: 0, OutputPorts: []string{"reading"}},
				},
			},
			{
				ID:   2,
				Name: "controller",
				Ports: []PortSpec{
					{Name: "in", Direction: "input"},
				},
				Blocks: []BlockSpec{
					{LocalID: 0, FeedthroughInputs: []string{"in"}},
				},
			},
		},
		Connections: []ConnectionSpec{
			{SrcNode: "sensor", SrcPort: "reading", DstNode: "controller", DstPort: "in"},
		},
		Deadlines: validDeadlines(),
	}
	assert.NoError(t, cfg.Validate())
}
