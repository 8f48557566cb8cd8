package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/xhci/internal/config"
	"github.com/tinyrange/xhci/internal/hv"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestExerciseDefaultMachine(t *testing.T) {
	for _, msi := range []bool{false, true} {
		name := "INTx"
		if msi {
			name = "MSI"
		}
		t.Run(name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m, err := newMachine(config.Default(), reg, discard())
			require.NoError(t, err)
			t.Cleanup(m.Close)
			require.NoError(t, m.Start())
			require.NoError(t, m.setupPCI(msi))
			assert.Equal(t, msi, m.fn.MSIEnabled())
			assert.True(t, m.fn.MemoryEnabled())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			require.NoError(t, exercise(ctx, m, 3))

			families, err := reg.Gather()
			require.NoError(t, err)
			assert.NotEmpty(t, families)
		})
	}
}

func TestMSIVectors(t *testing.T) {
	assert.Equal(t, 1, msiVectors(1))
	assert.Equal(t, 8, msiVectors(5))
	assert.Equal(t, 8, msiVectors(8))
	assert.Equal(t, 32, msiVectors(127))
}

func TestSnapshotRestoresIntoFreshMachine(t *testing.T) {
	cfg := config.Default()
	m, err := newMachine(cfg, nil, discard())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	require.NoError(t, m.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, exercise(ctx, m, 1))

	path := filepath.Join(t.TempDir(), "xhci.snap")
	require.NoError(t, writeSnapshot(m, path))

	fresh, err := newMachine(cfg, nil, discard())
	require.NoError(t, err)
	t.Cleanup(fresh.Close)
	require.NoError(t, fresh.Start())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, hv.ReadSnapshot(f, fresh.configHash(), fresh.cs.Snapshotters()))
	require.NoError(t, fresh.report())
}

func TestNewLogger(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()

	for _, format := range []string{"auto", "text", "json"} {
		l, err := newLogger(f, format, true)
		require.NoError(t, err, format)
		assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
	}
	_, err = newLogger(f, "xml", false)
	assert.Error(t, err)
}
