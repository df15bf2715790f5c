package chain

import (
	"math/rand"
	"testing"

	"github.com/ChuLiYu/postbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		raw     string
		want    Range
		wantErr bool
	}{
		{raw: "1-10", want: Range{First: 1, Last: 10}},
		{raw: " 3 - 3 ", want: Range{First: 3, Last: 3}},
		{raw: "10-1", wantErr: true},
		{raw: "0-4", wantErr: true},
		{raw: "4", wantErr: true},
		{raw: "a-b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseRange(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCandidatesOrder(t *testing.T) {
	m := NewManager(Range{First: 1, Last: 6}, []types.ChainID{5, 2, 9, 5})
	assert.Equal(t, []types.ChainID{5, 2, 1, 3, 4, 6}, m.Candidates())
}

func TestAllocatePriority(t *testing.T) {
	m := NewManager(Range{First: 1, Last: 3}, []types.ChainID{1, 2, 3})

	c, err := m.Allocate(10)
	require.NoError(t, err)
	assert.Equal(t, types.ChainID(1), c)

	m = NewManager(Range{First: 1, Last: 3}, []types.ChainID{3})
	c, err = m.Allocate(10)
	require.NoError(t, err)
	assert.Equal(t, types.ChainID(3), c)
}

func TestAllocateExhaustion(t *testing.T) {
	m := NewManager(Range{First: 1, Last: 2}, nil)
	_, err := m.Allocate(1)
	require.NoError(t, err)
	_, err = m.Allocate(2)
	require.NoError(t, err)

	before := m.Busy()
	_, err = m.Allocate(3)
	require.ErrorIs(t, err, ErrNoAvailableChain)
	assert.Equal(t, before, m.Busy())
	assert.Empty(t, m.Idle())

	_, err = m.Allocate(1)
	assert.ErrorIs(t, err, ErrJobBound)
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager(Range{First: 1, Last: 3}, nil)
	c, err := m.Allocate(7)
	require.NoError(t, err)

	require.NoError(t, m.Release(c))
	require.NoError(t, m.Release(c))
	_, ok := m.BoundTo(c)
	assert.False(t, ok)
	assert.Len(t, m.Idle(), 3)

	assert.ErrorIs(t, m.Release(9), ErrChainOutOfRange)
}

func TestBind(t *testing.T) {
	m := NewManager(Range{First: 1, Last: 4}, []types.ChainID{2})

	require.NoError(t, m.Bind(2, 100))
	require.NoError(t, m.Bind(2, 100))
	assert.ErrorIs(t, m.Bind(2, 101), ErrChainBusy)
	assert.ErrorIs(t, m.Bind(3, 100), ErrJobBound)
	assert.ErrorIs(t, m.Bind(5, 102), ErrChainOutOfRange)

	sid, ok := m.BoundTo(2)
	require.True(t, ok)
	assert.Equal(t, types.SID(100), sid)

	c, ok := m.ChainOf(100)
	require.True(t, ok)
	assert.Equal(t, types.ChainID(2), c)

	c, err := m.Allocate(103)
	require.NoError(t, err)
	assert.Equal(t, types.ChainID(1), c)
	assert.Equal(t, []types.ChainID{1, 2}, m.Busy())
	assert.Equal(t, []types.ChainID{3, 4}, m.Idle())
}

// TestExclusiveAllocation interleaves random allocate/release calls and
// checks that no chain ever holds two jobs.
func TestExclusiveAllocation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := NewManager(Range{First: 1, Last: 5}, []types.ChainID{4, 2})
	holders := map[types.ChainID]types.SID{}
	next := types.SID(1)

	for i := 0; i < 2000; i++ {
		if rng.Intn(3) > 0 {
			c, err := m.Allocate(next)
			if err != nil {
				require.ErrorIs(t, err, ErrNoAvailableChain)
				require.Len(t, holders, 5)
				continue
			}
			_, taken := holders[c]
			require.False(t, taken, "chain %s handed out twice", c)
			holders[c] = next
			next++
			continue
		}

		c := types.ChainID(rng.Intn(5) + 1)
		require.NoError(t, m.Release(c))
		delete(holders, c)
	}

	for c, sid := range holders {
		got, ok := m.BoundTo(c)
		require.True(t, ok)
		assert.Equal(t, sid, got)
	}
}
