package xhci

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := newTestBed(t, Options{Registerer: reg})
	drv := b.driver(t)
	ctx := testContext(t)

	require.NoError(t, drv.NoOp(ctx))
	require.NoError(t, drv.NoOp(ctx))

	m := b.ctrl.metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("no-op", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsPosted.WithLabelValues("0", "command-completion")))
	assert.Zero(t, testutil.ToFloat64(m.fatalErrors))

	n, err := testutil.GatherAndCount(reg, "xhci_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetricsRegisteredOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	newTestBed(t, Options{Name: "xhci0", Registerer: reg})

	_, err := New(Options{Name: "xhci0", Memory: newTestRAM(t), Transport: vusb.NewHub(1, quietLogger()), Registerer: reg})
	assert.Error(t, err)
}
