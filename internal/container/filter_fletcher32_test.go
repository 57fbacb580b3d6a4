package container

import (
	"encoding/binary"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFletcher32Filter(t *testing.T) {
	f, err := newFletcher32Filter(nil)
	require.NoError(t, err)
	assert.Equal(t, FilterFletcher32, f.ID())
	assert.Empty(t, f.Encode())

	for _, data := range [][]byte{{}, {0x01}, []byte("abcde"), []byte("abcdef")} {
		withSum, err := f.Apply(data)
		require.NoError(t, err)
		require.Len(t, withSum, len(data)+4)

		back, err := f.Remove(withSum)
		require.NoError(t, err)
		assert.Equal(t, data, back)
	}

	_, err = newFletcher32Filter([]uint32{1})
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestFletcher32Filter_Corruption(t *testing.T) {
	f, err := newFletcher32Filter(nil)
	require.NoError(t, err)
	withSum, err := f.Apply([]byte("particle positions"))
	require.NoError(t, err)

	withSum[3] ^= 0xFF
	_, err = f.Remove(withSum)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	_, err = f.Remove([]byte{1, 2})
	require.Error(t, err)
}

func TestFletcher32Filter_SwappedChecksum(t *testing.T) {
	f, err := newFletcher32Filter(nil)
	require.NoError(t, err)

	data := []byte("abcde")
	old := binary.LittleEndian.AppendUint32(append([]byte{}, data...), 0xF04FC729)
	back, err := f.Remove(old)
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestFletcher32(t *testing.T) {
	assert.Equal(t, uint32(0x4FF029C7), fletcher32([]byte("abcde")))
	assert.Equal(t, uint32(0x50562A2D), fletcher32([]byte("abcdef")))
	assert.Zero(t, fletcher32(nil))
}
