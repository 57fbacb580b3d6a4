package container

import (
	"bytes"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdFilter(t *testing.T) {
	f, err := newZstdFilter(nil)
	require.NoError(t, err)
	assert.Equal(t, FilterZstd, f.ID())
	assert.Equal(t, "zstd", f.Name())
	assert.Equal(t, []uint32{3}, f.Encode())

	data := bytes.Repeat([]byte{0, 0, 128, 63}, 1024)
	compressed, err := f.Apply(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	out, err := f.Remove(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = f.Remove([]byte("garbage"))
	require.Error(t, err)
}

func TestZstdFilter_Params(t *testing.T) {
	f, err := newZstdFilter([]uint32{19})
	require.NoError(t, err)
	assert.Equal(t, []uint32{19}, f.Encode())

	for _, params := range [][]uint32{{0}, {23}, {1, 2}} {
		_, err := newZstdFilter(params)
		assert.True(t, errors.Is(errors.Invalid, err), "%v", params)
	}
}
