package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetBuffer(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"small buffer within pool capacity", 1024},
		{"exact pool default size", 4096},
		{"larger than pool capacity", 8192},
		{"zero size", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.size)
			require.NotNil(t, buf)
			require.Len(t, buf, tt.size)
			require.GreaterOrEqual(t, cap(buf), tt.size)
			ReleaseBuffer(buf)
		})
	}
}

func TestBufferReuse(t *testing.T) {
	buf := GetBuffer(16)
	copy(buf, "row scratch data")
	ReleaseBuffer(buf)

	again := GetBuffer(8)
	require.Len(t, again, 8)
	ReleaseBuffer(again)
}
