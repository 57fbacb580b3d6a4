package container

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShuffleFilter(t *testing.T) {
	f, err := newShuffleFilter([]uint32{4})
	require.NoError(t, err)
	assert.Equal(t, FilterShuffle, f.ID())
	assert.Equal(t, []uint32{4}, f.Encode())

	in := []byte{'a', '1', '2', '3', 'b', '4', '5', '6', 'c', '7', '8', '9'}
	shuffled, err := f.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', 'c', '1', '4', '7', '2', '5', '8', '3', '6', '9'}, shuffled)

	back, err := f.Remove(shuffled)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestShuffleFilter_EdgeCases(t *testing.T) {
	f, err := newShuffleFilter([]uint32{8})
	require.NoError(t, err)

	out, err := f.Apply(nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = f.Apply([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)

	f2, err := newShuffleFilter([]uint32{2})
	require.NoError(t, err)
	in := []byte{'a', '1', 'b', '2', 'x'}
	out, err = f2.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 'b', '1', '2', 'x'}, out)
	back, err := f2.Remove(out)
	require.NoError(t, err)
	assert.Equal(t, in, back)

	single, err := newShuffleFilter([]uint32{1})
	require.NoError(t, err)
	out, err = single.Apply([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)

	for _, params := range [][]uint32{nil, {0}, {4, 4}} {
		_, err := newShuffleFilter(params)
		assert.True(t, errors.Is(errors.Invalid, err), "%v", params)
	}
}
