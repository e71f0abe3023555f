package coordinator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuildnet/smn/internal/config"
	"github.com/openbuildnet/smn/internal/report"
	"github.com/openbuildnet/smn/internal/transport"
	"github.com/openbuildnet/smn/internal/wire"
)

func fastDeadlines() config.Deadlines {
	return config.Deadlines{
		Init: 200 * time.Millisecond,
		Y:    100 * time.Millisecond,
		X:    100 * time.Millisecond,
		Term: 50 * time.Millisecond,
	}
}

// autoAck installs a hook on fk that immediately acks SIM_INIT, SIM_Y,
// and SIM_X with the mask it was sent, simulating a well-behaved node.
func autoAck(fk *transport.Fake) {
	fk.OnSend(func(nodeID int32, f *wire.Frame) error {
		if nodeID < 0 {
			return nil // broadcast (SIM_TERM)
		}
		switch f.Kind {
		case wire.KindInit, wire.KindY, wire.KindX:
			ack := &wire.Frame{Kind: wire.KindAck, SimTime: f.SimTime, NodeID: nodeID, Mask: f.Mask, Payload: &wire.AckPayload{Status: wire.AckOK}}
			go fk.Inject(nodeID, ack)
		}
		return nil
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nowhere{}, nil))
}

type nowhere struct{}

func (nowhere) Write(p []byte) (int, error) { return len(p), nil }

func TestSinglePeriodicNode(t *testing.T) {
	cfg := &config.SystemConfig{
		TimeUnitScale: 1,
		FinalTime:     2000,
		Nodes: []config.NodeSpec{
			{ID: 1, Name: "motor", NeedsStateUpdate: true, Blocks: []config.BlockSpec{
				{LocalID: 0, Period: 1000},
			}},
		},
		Deadlines: fastDeadlines(),
	}

	fk := transport.NewFake()
	autoAck(fk)
	sink := report.NewChannelSink(64)

	c, err := New(cfg, fk, sink, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, c.State())

	var ticks []int64
	for {
		select {
		case e := <-sink.Events():
			if e.Kind == report.TickCompleted {
				ticks = append(ticks, e.T)
			}
		default:
			goto done
		}
	}
done:
	assert.Equal(t, []int64{0, 1000, 2000}, ticks)
}

func TestTwoNodeFeedthrough(t *testing.T) {
	cfg := &config.SystemConfig{
		TimeUnitScale: 1,
		FinalTime:     0,
		Nodes: []config.NodeSpec{
			{ID: 1, Name: "sensor", NeedsStateUpdate: true, Ports: []config.PortSpec{
				{Name: "reading", Direction: "output"},
			}, Blocks: []config.BlockSpec{
				{LocalID: 0, Period: 1000, OutputPorts: []string{"reading"}},
			}},
			{ID: 2, Name: "controller", NeedsStateUpdate: true, Ports: []config.PortSpec{
				{Name: "in", Direction: "input"},
			}, Blocks: []config.BlockSpec{
				{LocalID: 0, Period: 1000, FeedthroughInputs: []string{"in"}},
			}},
		},
		Connections: []config.ConnectionSpec{
			{SrcNode: "sensor", SrcPort: "reading", DstNode: "controller", DstPort: "in"},
		},
		Deadlines: fastDeadlines(),
	}

	fk := transport.NewFake()

	var yOrder []int32
	fk.OnSend(func(nodeID int32, f *wire.Frame) error {
		if nodeID < 0 {
			return nil
		}
		if f.Kind == wire.KindY {
			yOrder = append(yOrder, nodeID)
		}
		switch f.Kind {
		case wire.KindInit, wire.KindY, wire.KindX:
			ack := &wire.Frame{Kind: wire.KindAck, SimTime: f.SimTime, NodeID: nodeID, Mask: f.Mask, Payload: &wire.AckPayload{Status: wire.AckOK}}
			go fk.Inject(nodeID, ack)
		}
		return nil
	})

	c, err := New(cfg, fk, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	require.Len(t, yOrder, 2)
	assert.Equal(t, int32(1), yOrder[0]) // sensor's wave must be sent before controller's
	assert.Equal(t, int32(2), yOrder[1])
}

func TestTimeoutAndCascade(t *testing.T) {
	cfg := &config.SystemConfig{
		TimeUnitScale: 1,
		FinalTime:     5000,
		Nodes: []config.NodeSpec{
			{ID: 1, Name: "a", NeedsStateUpdate: true, Blocks: []config.BlockSpec{{LocalID: 0, Period: 1000}}},
			{ID: 2, Name: "b", NeedsStateUpdate: true, Blocks: []config.BlockSpec{{LocalID: 0, Period: 1000}}},
		},
		Deadlines: fastDeadlines(),
	}

	fk := transport.NewFake()
	fk.OnSend(func(nodeID int32, f *wire.Frame) error {
		if nodeID < 0 {
			return nil
		}
		if nodeID == 2 && f.Kind == wire.KindY {
			return nil // node B never acks UPDATE_Y
		}
		switch f.Kind {
		case wire.KindInit, wire.KindY, wire.KindX:
			ack := &wire.Frame{Kind: wire.KindAck, SimTime: f.SimTime, NodeID: nodeID, Mask: f.Mask, Payload: &wire.AckPayload{Status: wire.AckOK}}
			go fk.Inject(nodeID, ack)
		}
		return nil
	})
	sink := report.NewChannelSink(64)

	c, err := New(cfg, fk, sink, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = c.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StateErrored, c.State())

	var sawTimeout, sawFinishedErrored bool
	for {
		select {
		case e := <-sink.Events():
			if e.Kind == report.NodeTimedOut && e.NodeID == 2 {
				sawTimeout = true
			}
			if e.Kind == report.Finished && e.Reason == "Errored" {
				sawFinishedErrored = true
			}
		default:
			goto done
		}
	}
done:
	assert.True(t, sawTimeout)
	assert.True(t, sawFinishedErrored)
}

func TestMixedPeriodsNoDependencies(t *testing.T) {
	cfg := &config.SystemConfig{
		TimeUnitScale: 1,
		FinalTime:     6000,
		Nodes: []config.NodeSpec{
			{ID: 1, Name: "a", NeedsStateUpdate: true, Blocks: []config.BlockSpec{{LocalID: 0, Period: 1000}}},
			{ID: 2, Name: "b", NeedsStateUpdate: true, Blocks: []config.BlockSpec{{LocalID: 0, Period: 3000}}},
		},
		Deadlines: fastDeadlines(),
	}

	fk := transport.NewFake()
	autoAck(fk)
	sink := report.NewChannelSink(64)

	c, err := New(cfg, fk, sink, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	var ticks []int64
	for {
		select {
		case e := <-sink.Events():
			if e.Kind == report.TickCompleted {
				ticks = append(ticks, e.T)
			}
		default:
			goto done
		}
	}
done:
	assert.Equal(t, []int64{0, 1000, 2000, 3000, 4000, 5000, 6000}, ticks)
}

func TestEventOnlyTriggeredBlockFiresWithTrigger(t *testing.T) {
	cfg := &config.SystemConfig{
		TimeUnitScale: 1,
		FinalTime:     6000,
		Nodes: []config.NodeSpec{
			{ID: 1, Name: "a", NeedsStateUpdate: true, Ports: []config.PortSpec{
				{Name: "y", Direction: "output"},
			}, Blocks: []config.BlockSpec{
				{LocalID: 0, Period: 3000, OutputPorts: []string{"y"}},
			}},
			{ID: 2, Name: "c", NeedsStateUpdate: true, Ports: []config.PortSpec{
				{Name: "u", Direction: "input"},
			}, Blocks: []config.BlockSpec{
				{LocalID: 0, Period: 0, TriggeringInputs: []string{"u"}},
			}},
		},
		Connections: []config.ConnectionSpec{
			{SrcNode: "a", SrcPort: "y", DstNode: "c", DstPort: "u"},
		},
		Deadlines: fastDeadlines(),
	}

	fk := transport.NewFake()
	autoAck(fk)
	sink := report.NewChannelSink(64)

	c, err := New(cfg, fk, sink, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	var ticks []int64
	firedCounts := map[int64]int{}
	for {
		select {
		case e := <-sink.Events():
			if e.Kind == report.TickCompleted {
				ticks = append(ticks, e.T)
				firedCounts[e.T] = e.FiredCount
			}
		default:
			goto done
		}
	}
done:
	// C (event-only) fires exactly at {0, 3000, 6000} as part of A's
	// tick, never at an intermediate time; each such tick fires both
	// A and C (FiredCount 2).
	assert.Equal(t, []int64{0, 3000, 6000}, ticks)
	for _, t64 := range ticks {
		assert.Equal(t, 2, firedCounts[t64])
	}
}

func TestIrregularEventFromNode(t *testing.T) {
	cfg := &config.SystemConfig{
		TimeUnitScale: 1,
		FinalTime:     1500,
		Nodes: []config.NodeSpec{
			{ID: 4, Name: "d", NeedsStateUpdate: true, Blocks: []config.BlockSpec{{LocalID: 0, Period: 0}}},
		},
		Deadlines: fastDeadlines(),
	}

	fk := transport.NewFake()
	sentEvent := false
	fk.OnSend(func(nodeID int32, f *wire.Frame) error {
		if nodeID < 0 {
			return nil
		}
		switch f.Kind {
		case wire.KindInit:
			// The event is queued before the init ack so the coordinator
			// reads it while it is still collecting init acks.
			if !sentEvent {
				sentEvent = true
				fk.Inject(nodeID, &wire.Frame{Kind: wire.KindEvent, NodeID: nodeID, Payload: &wire.EventPayload{LocalBlockID: 0, FireAt: 1500}})
			}
			go fk.Inject(nodeID, &wire.Frame{Kind: wire.KindAck, NodeID: nodeID, Payload: &wire.AckPayload{Status: wire.AckOK}})
		case wire.KindY, wire.KindX:
			go fk.Inject(nodeID, &wire.Frame{Kind: wire.KindAck, NodeID: nodeID, Mask: f.Mask, Payload: &wire.AckPayload{Status: wire.AckOK}})
		}
		return nil
	})
	sink := report.NewChannelSink(64)

	c, err := New(cfg, fk, sink, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	var ticks []int64
	for {
		select {
		case e := <-sink.Events():
			if e.Kind == report.TickCompleted {
				ticks = append(ticks, e.T)
			}
		default:
			goto done
		}
	}
done:
	assert.Equal(t, []int64{1500}, ticks)
}
