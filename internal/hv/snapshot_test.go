package hv

import (
	"bytes"
	"encoding/gob"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	Value uint32
}

func init() {
	gob.Register(&counterState{})
}

type counter struct {
	id    string
	value uint32
}

func (c *counter) DeviceId() string { return c.id }

func (c *counter) CaptureSnapshot() (DeviceSnapshot, error) {
	return &counterState{Value: c.value}, nil
}

func (c *counter) RestoreSnapshot(snap DeviceSnapshot) error {
	s, ok := snap.(*counterState)
	if !ok {
		return errors.New("wrong snapshot type")
	}
	c.value = s.Value
	return nil
}

func TestSnapshotRoundTrip(t *testing.T) {
	hash := ComputeConfigHash(0, 1<<20, []DeviceConfig{{ID: "a", Base: 0x1000_0000, Size: 0x10000}})
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, hash, []DeviceSnapshotter{&counter{id: "a", value: 7}, &counter{id: "b", value: 9}}))

	a, b := &counter{id: "a"}, &counter{id: "b"}
	require.NoError(t, ReadSnapshot(&buf, hash, []DeviceSnapshotter{a, b}))
	assert.Equal(t, uint32(7), a.value)
	assert.Equal(t, uint32(9), b.value)
}

func TestSnapshotConfigMismatch(t *testing.T) {
	hash := ComputeConfigHash(0, 1<<20, nil)
	other := ComputeConfigHash(0, 2<<20, nil)
	require.NotEqual(t, hash, other)

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, hash, []DeviceSnapshotter{&counter{id: "a"}}))
	err := ReadSnapshot(&buf, other, []DeviceSnapshotter{&counter{id: "a"}})
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestSnapshotMissingDevice(t *testing.T) {
	hash := ComputeConfigHash(0, 1<<20, nil)
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, hash, []DeviceSnapshotter{&counter{id: "a"}}))
	assert.Error(t, ReadSnapshot(&buf, hash, []DeviceSnapshotter{&counter{id: "b"}}))
}

func TestSnapshotDuplicateID(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSnapshot(&buf, ConfigHash{}, []DeviceSnapshotter{&counter{id: "a"}, &counter{id: "a"}})
	assert.Error(t, err)
}

func TestSnapshotBadMagic(t *testing.T) {
	err := ReadSnapshot(bytes.NewReader(make([]byte, 64)), ConfigHash{}, nil)
	assert.Error(t, err)
}

func TestConfigHashDependsOnDeviceOrder(t *testing.T) {
	a := DeviceConfig{ID: "a", Base: 0x1000}
	b := DeviceConfig{ID: "b", Base: 0x2000}
	assert.Equal(t, ComputeConfigHash(0, 1, []DeviceConfig{a, b}), ComputeConfigHash(0, 1, []DeviceConfig{a, b}))
	assert.NotEqual(t, ComputeConfigHash(0, 1, []DeviceConfig{a, b}), ComputeConfigHash(0, 1, []DeviceConfig{b, a}))
}
