package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	s.Write(Event{Kind: TickStarted, T: 1})
	s.Write(Event{Kind: TickStarted, T: 2}) // buffer full, should drop

	assert.Equal(t, uint64(1), s.Dropped())

	got := <-s.Events()
	assert.Equal(t, int64(1), got.T)
}

func TestFanoutWritesToAllSinks(t *testing.T) {
	a := NewChannelSink(4)
	b := NewChannelSink(4)
	f := NewFanout(a, b)

	f.Write(Event{Kind: Finished, Reason: "Stopped"})

	ea := <-a.Events()
	eb := <-b.Events()
	require.Equal(t, "Stopped", ea.Reason)
	require.Equal(t, "Stopped", eb.Reason)
}
