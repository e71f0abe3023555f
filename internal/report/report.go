// Package report implements the SMN's report bus: a write-only sink
// surface the coordinator pushes typed events to, with no backpressure
// onto the scheduler. Grounded on the teacher's MeshEventQueue.Enqueue,
// which increments a dropped-event counter rather than blocking the
// caller when its ring buffer is full; this package generalizes that
// accept-or-drop discipline from a shared-memory ring buffer to a
// buffered Go channel.
package report

import (
	"log/slog"
	"sync/atomic"
)

// EventKind distinguishes the five report event types SPEC_FULL.md
// names, plus the ambient Resent addition.
type EventKind uint8

const (
	TickStarted EventKind = iota
	TickCompleted
	NodeTimedOut
	NodeErrorEvent
	Finished
	Resent
)

// Event is the typed payload written to a Sink. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	T int64 // TickStarted, TickCompleted

	FiredCount int   // TickCompleted
	Waves      int   // TickCompleted

	NodeID int32  // NodeTimedOut, NodeErrorEvent, Resent
	Info   string // NodeErrorEvent

	Reason string // Finished
	Phase  string // Resent
}

// Sink is the write surface the coordinator pushes events to. Write
// must never block the coordinator: a sink that can't keep up drops
// and counts, it does not apply backpressure.
type Sink interface {
	Write(e Event)
}

// ChannelSink is a bounded, drop-on-full sink: Write never blocks. A
// consumer goroutine drains Events(); Dropped() reports how many
// writes were discarded because the buffer was full.
type ChannelSink struct {
	events  chan Event
	dropped atomic.Uint64
}

// NewChannelSink creates a sink with the given buffer capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, capacity)}
}

func (s *ChannelSink) Write(e Event) {
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events exposes the channel for a consumer to range over.
func (s *ChannelSink) Events() <-chan Event { return s.events }

// Dropped returns the number of events discarded due to a full buffer.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

// Close closes the underlying channel; callers must stop writing
// before calling Close.
func (s *ChannelSink) Close() { close(s.events) }

// SlogSink writes each event as a structured log line. It never
// blocks (slog handlers are expected to be fast) and never drops,
// matching the "accept or drop" contract by always accepting.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Write(e Event) {
	switch e.Kind {
	case TickStarted:
		s.logger.Debug("tick started", "t", e.T)
	case TickCompleted:
		s.logger.Debug("tick completed", "t", e.T, "fired_count", e.FiredCount, "waves", e.Waves)
	case NodeTimedOut:
		s.logger.Warn("node timed out", "node_id", e.NodeID)
	case NodeErrorEvent:
		s.logger.Error("node reported error", "node_id", e.NodeID, "info", e.Info)
	case Finished:
		s.logger.Info("run finished", "reason", e.Reason)
	case Resent:
		s.logger.Warn("resent message", "node_id", e.NodeID, "phase", e.Phase)
	}
}

// Fanout writes every event to all of its sinks, in order. A slow sink
// does not hold up the others since each Sink's own Write contract
// already forbids blocking. Panics are not recovered: a sink that
// panics stops the write, and the sinks after it do not get the event.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Write(e Event) {
	for _, s := range f.sinks {
		s.Write(e)
	}
}
