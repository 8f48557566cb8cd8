package guestmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRAMReadWrite(t *testing.T) {
	ram, err := NewRAM(0x1000, 0x2000)
	require.NoError(t, err)
	defer ram.Close()

	require.NoError(t, WriteUint64(ram, 0x1008, 0x1122334455667788))
	v, err := ReadUint64(ram, 0x1008)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)

	lo, err := ReadUint32(ram, 0x1008)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x55667788), lo)
}

func TestRAMBounds(t *testing.T) {
	ram, err := NewRAM(0x1000, 0x100)
	require.NoError(t, err)
	defer ram.Close()

	t.Run("BelowBase", func(t *testing.T) {
		_, err := ReadUint32(ram, 0x800)
		assert.Error(t, err)
	})
	t.Run("PastEnd", func(t *testing.T) {
		assert.Error(t, WriteUint64(ram, 0x10fc, 1))
	})
	t.Run("LastWord", func(t *testing.T) {
		assert.NoError(t, WriteUint32(ram, 0x10fc, 1))
	})
}

func TestNewRAMZeroSize(t *testing.T) {
	_, err := NewRAM(0, 0)
	assert.Error(t, err)
}
