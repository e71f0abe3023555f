package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBlocks() []*Block {
	return []*Block{
		{LocalID: 0, Period: 1000, NextFire: NeverFire, OutputPorts: map[string]struct{}{"out": {}}},
	}
}

func TestRegisterAssignsStableRanks(t *testing.T) {
	r := New()

	n1, err := r.Register(1, "motor", sampleBlocks(), true, "tcp://motor")
	require.NoError(t, err)
	assert.Equal(t, 0, n1.Blocks[0].TiebreakRank)

	n2, err := r.Register(2, "controller", sampleBlocks(), true, "tcp://controller")
	require.NoError(t, err)
	assert.Equal(t, 1, n2.Blocks[0].TiebreakRank)
}

func TestRegisterIsIdempotentForIdenticalSignature(t *testing.T) {
	r := New()

	n1, err := r.Register(1, "motor", sampleBlocks(), true, "tcp://motor")
	require.NoError(t, err)

	n2, err := r.Register(1, "motor", sampleBlocks(), true, "tcp://motor")
	require.NoError(t, err)
	assert.Same(t, n1, n2)
}

func TestRegisterRejectsConflictingSignature(t *testing.T) {
	r := New()
	_, err := r.Register(1, "motor", sampleBlocks(), true, "tcp://motor")
	require.NoError(t, err)

	conflicting := []*Block{
		{LocalID: 0, Period: 2000, NextFire: NeverFire, OutputPorts: map[string]struct{}{"out": {}}},
	}
	_, err = r.Register(1, "motor", conflicting, true, "tcp://motor")
	require.Error(t, err)
}

func TestFreezeRejectsFurtherRegistration(t *testing.T) {
	r := New()
	r.Freeze()
	_, err := r.Register(1, "motor", sampleBlocks(), true, "tcp://motor")
	require.Error(t, err)
}

func TestAllOrdersByID(t *testing.T) {
	r := New()
	_, _ = r.Register(2, "b", sampleBlocks(), true, "")
	_, _ = r.Register(1, "a", sampleBlocks(), true, "")

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, int32(1), all[0].ID)
	assert.Equal(t, int32(2), all[1].ID)
}
