package splash

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectionValidate(t *testing.T) {
	tests := []struct {
		name string
		sel  Selection
		rank uint32
		ok   bool
	}{
		{"whole", NewSelection(Dims(4, 3, 1)), 2, true},
		{"sub", NewSubSelection(Dims(4, 3, 1), Dims(2, 2, 1), Dims(2, 1, 0)), 2, true},
		{"empty", NewSubSelection(Dims(4, 1, 1), Dims(0, 1, 1), Dims(0, 0, 0)), 1, true},
		{"strided", Selection{Size: Dims(7, 1, 1), Count: Dims(4, 1, 1), Stride: Dims(2, 1, 1)}, 1, true},
		{"strided too far", Selection{Size: Dims(6, 1, 1), Count: Dims(4, 1, 1), Stride: Dims(2, 1, 1)}, 1, false},
		{"offset too far", NewSubSelection(Dims(4, 3, 1), Dims(2, 2, 1), Dims(3, 0, 0)), 2, false},
		{"zero stride", Selection{Size: Dims(4, 1, 1), Count: Dims(1, 1, 1)}, 1, false},
		{"axis beyond rank", NewSelection(Dims(4, 3, 1)), 1, false},
		{"rank zero", NewSelection(Dims(4, 1, 1)), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.validate(tt.rank)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
		})
	}
}

func TestSelectionPack(t *testing.T) {
	// 4x3 buffer of bytes 0..11, x fastest.
	buf := make([]byte, 12)
	for i := range buf {
		buf[i] = byte(i)
	}
	sel := NewSubSelection(Dims(4, 3, 1), Dims(2, 2, 1), Dims(1, 1, 0))
	got, err := sel.pack(buf, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 9, 10}, got)

	strided := Selection{Size: Dims(4, 3, 1), Count: Dims(2, 3, 1), Stride: Dims(2, 1, 1)}
	got, err = strided.pack(buf, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 2, 4, 6, 8, 10}, got)

	_, err = NewSelection(Dims(4, 3, 1)).pack(buf[:6], 2, 1)
	assert.Error(t, err)
}
