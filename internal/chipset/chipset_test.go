package chipset

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/hv"
)

// scratchDevice is a bank of dword registers.
type scratchDevice struct {
	base    uint64
	regs    [16]uint32
	started bool
	resets  int
	log     *[]string
	name    string
}

func (d *scratchDevice) Start() error {
	d.started = true
	*d.log = append(*d.log, "start "+d.name)
	return nil
}

func (d *scratchDevice) Stop() error {
	d.started = false
	*d.log = append(*d.log, "stop "+d.name)
	return nil
}

func (d *scratchDevice) Reset() error {
	d.resets++
	return nil
}

func (d *scratchDevice) SupportsMmio() *MmioIntercept {
	return &MmioIntercept{
		Regions: []hv.MMIORegion{{Address: d.base, Size: 0x40}},
		Handler: d,
	}
}

func (d *scratchDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	binary.LittleEndian.PutUint32(data, d.regs[(addr-d.base)/4])
	return nil
}

func (d *scratchDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.regs[(addr-d.base)/4] = binary.LittleEndian.Uint32(data)
	return nil
}

func TestChipsetDispatch(t *testing.T) {
	var log []string
	a := &scratchDevice{base: 0x1000, log: &log, name: "a"}
	b := &scratchDevice{base: 0x2000, log: &log, name: "b"}

	builder := NewBuilder()
	require.NoError(t, builder.RegisterDevice("a", a))
	require.NoError(t, builder.RegisterDevice("b", b))
	cs, err := builder.Build()
	require.NoError(t, err)

	require.NoError(t, cs.Start())
	require.NoError(t, cs.Stop())
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)

	buf := []byte{0x78, 0x56, 0x34, 0x12}
	require.NoError(t, cs.WriteMMIO(hv.HostContext(), 0x2008, buf))
	assert.Equal(t, uint32(0x12345678), b.regs[2])
	assert.Zero(t, a.regs[2])

	out := make([]byte, 4)
	require.NoError(t, cs.ReadMMIO(hv.HostContext(), 0x2008, out))
	assert.Equal(t, buf, out)

	assert.Error(t, cs.ReadMMIO(hv.HostContext(), 0x3000, out))
	// An access straddling the end of a region is not dispatched.
	assert.Error(t, cs.ReadMMIO(hv.HostContext(), 0x103e, out))

	require.NoError(t, cs.Reset())
	assert.Equal(t, 1, a.resets)
	assert.Equal(t, 1, b.resets)

	assert.Equal(t, []hv.DeviceConfig{
		{ID: "a", Base: 0x1000, Size: 0x40},
		{ID: "b", Base: 0x2000, Size: 0x40},
	}, cs.DeviceConfigs())
	assert.Empty(t, cs.Snapshotters())
}

func TestBuilderRejectsOverlap(t *testing.T) {
	var log []string
	builder := NewBuilder()
	require.NoError(t, builder.RegisterDevice("a", &scratchDevice{base: 0x1000, log: &log}))
	assert.Error(t, builder.RegisterDevice("b", &scratchDevice{base: 0x1020, log: &log}))
	assert.Error(t, builder.RegisterDevice("a", &scratchDevice{base: 0x4000, log: &log}))
	assert.Error(t, builder.RegisterDevice("", &scratchDevice{base: 0x5000, log: &log}))
	assert.Error(t, builder.WithMmioRegion(0x6000, 0, &scratchDevice{}))
	assert.Error(t, builder.WithMmioRegion(0x6000, 0x10, nil))
}

func TestLineSet(t *testing.T) {
	type edge struct {
		line  uint8
		level bool
	}
	var edges []edge
	lines := NewLineSet(InterruptSinkFunc(func(line uint8, level bool) {
		edges = append(edges, edge{line, level})
	}))

	l := lines.AllocateLine(5)
	l.SetLevel(true)
	l.SetLevel(true)
	assert.True(t, lines.Level(5))
	l.SetLevel(false)
	assert.False(t, lines.Level(5))
	assert.False(t, lines.Level(6))

	lines.AllocateLine(6).PulseInterrupt()
	assert.Equal(t, []edge{{5, true}, {5, false}, {6, true}, {6, false}}, edges)
}

func TestSharedLine(t *testing.T) {
	var levels []bool
	lines := NewLineSet(InterruptSinkFunc(func(line uint8, level bool) {
		assert.Equal(t, uint8(9), line)
		levels = append(levels, level)
	}))

	a := lines.AllocateLine(9)
	b := lines.AllocateLine(9)
	a.SetLevel(true)
	b.SetLevel(true)
	a.SetLevel(false)
	assert.True(t, lines.Level(9), "b still holds the line")

	// An edge on a held line is invisible.
	a.PulseInterrupt()
	b.SetLevel(false)
	assert.False(t, lines.Level(9))
	assert.Equal(t, []bool{true, false}, levels)
}

func TestLineInterruptFromFunc(t *testing.T) {
	var levels []bool
	l := LineInterruptFromFunc(func(level bool) { levels = append(levels, level) })
	l.SetLevel(true)
	l.PulseInterrupt()
	assert.Equal(t, []bool{true, true, false}, levels)

	// Detached lines swallow everything.
	LineInterruptDetached().SetLevel(true)
}

var errBoom = errors.New("boom")

type failingDevice struct{ scratchDevice }

func (failingDevice) Start() error { return errBoom }

func TestStartStopsOnError(t *testing.T) {
	var log []string
	builder := NewBuilder()
	require.NoError(t, builder.RegisterDevice("good", &scratchDevice{base: 0x1000, log: &log, name: "good"}))
	require.NoError(t, builder.RegisterDevice("bad", &failingDevice{scratchDevice{base: 0x2000, log: &log}}))
	cs, err := builder.Build()
	require.NoError(t, err)
	assert.ErrorIs(t, cs.Start(), errBoom)
	assert.Equal(t, []string{"start good", "stop good"}, log)
}

type stubbornDevice struct{ scratchDevice }

func (d *stubbornDevice) Stop() error { return errBoom }

func TestStopReachesEveryDevice(t *testing.T) {
	var log []string
	builder := NewBuilder()
	require.NoError(t, builder.RegisterDevice("a", &scratchDevice{base: 0x1000, log: &log, name: "a"}))
	require.NoError(t, builder.RegisterDevice("b", &stubbornDevice{scratchDevice{base: 0x2000, log: &log, name: "b"}}))
	cs, err := builder.Build()
	require.NoError(t, err)
	require.NoError(t, cs.Start())

	err = cs.Stop()
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
}

func TestDispatchUsesAddressOrder(t *testing.T) {
	var log []string
	builder := NewBuilder()
	hi := &scratchDevice{base: 0x9000, log: &log}
	lo := &scratchDevice{base: 0x1000, log: &log}
	require.NoError(t, builder.RegisterDevice("hi", hi))
	require.NoError(t, builder.RegisterDevice("lo", lo))
	cs, err := builder.Build()
	require.NoError(t, err)

	buf := []byte{1, 0, 0, 0}
	require.NoError(t, cs.WriteMMIO(hv.HostContext(), 0x1004, buf))
	require.NoError(t, cs.WriteMMIO(hv.HostContext(), 0x903c, buf))
	assert.Equal(t, uint32(1), lo.regs[1])
	assert.Equal(t, uint32(1), hi.regs[15])
	assert.Error(t, cs.WriteMMIO(hv.HostContext(), 0x5000, buf))

	configs := cs.DeviceConfigs()
	require.Len(t, configs, 2)
	assert.Equal(t, "lo", configs[0].ID)
	assert.Equal(t, "hi", configs[1].ID)
}
