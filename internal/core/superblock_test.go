package core

import (
	"bytes"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &Superblock{EndOfFile: 4096, RootAddress: 48}
	b := sb.Encode()
	require.Len(t, b, SuperblockSize)
	assert.Equal(t, Signature, string(b[:8]))
	assert.Equal(t, byte(2), b[8])

	got, err := ReadSuperblock(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, uint8(2), got.Version)
	assert.Equal(t, uint64(48), got.RootAddress)
	assert.Equal(t, uint64(4096), got.EndOfFile)
	assert.Zero(t, got.BaseAddress)
}

func TestSuperblockAfterUserBlock(t *testing.T) {
	sb := (&Superblock{EndOfFile: 100, RootAddress: 48}).Encode()
	image := append(make([]byte, 512), sb...)
	got, err := ReadSuperblock(bytes.NewReader(image))
	require.NoError(t, err)
	assert.Equal(t, uint64(512), got.BaseAddress)
}

func TestSuperblockErrors(t *testing.T) {
	good := (&Superblock{RootAddress: 48}).Encode()

	corrupt := append([]byte(nil), good...)
	corrupt[40] ^= 0xFF
	_, err := ReadSuperblock(bytes.NewReader(corrupt))
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)

	old := append([]byte(nil), good...)
	old[8] = 0
	_, err = ReadSuperblock(bytes.NewReader(old))
	assert.True(t, errors.Is(errors.NotSupported, err), "%v", err)

	_, err = ReadSuperblock(bytes.NewReader([]byte("not an hdf5 file at all, just some text padding it out")))
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
}
