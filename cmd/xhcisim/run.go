package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/xhci/internal/devices/usb/guestdrv"
	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/hv"
)

var runCommand = cli.Command{
	Name:  "run",
	Usage: "enumerate every configured device and exercise its endpoints",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve Prometheus metrics on this address",
		},
		cli.BoolFlag{
			Name:  "serve",
			Usage: "keep serving metrics until interrupted",
		},
		cli.IntFlag{
			Name:  "rounds",
			Value: 4,
			Usage: "loopback round trips per device",
		},
		cli.BoolFlag{
			Name:  "msi",
			Usage: "deliver interrupts as MSI instead of INTx",
		},
		cli.StringFlag{
			Name:  "snapshot",
			Usage: "write a controller snapshot to this file when done",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
			Usage: "give up on the exercise after this long",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		log := slog.Default()

		reg := prometheus.NewRegistry()
		m, err := newMachine(cfg, reg, log)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Start(); err != nil {
			return err
		}
		if err := m.setupPCI(c.Bool("msi")); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		if addr := c.String("metrics-addr"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			g.Go(func() error {
				log.Info("serving metrics", "addr", addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				return srv.Shutdown(context.Background())
			})
		}

		serve := c.Bool("serve") && c.String("metrics-addr") != ""
		g.Go(func() error {
			if !serve {
				defer cancel()
			}
			ectx, ecancel := context.WithTimeout(gctx, c.Duration("timeout"))
			defer ecancel()
			if err := exercise(ectx, m, c.Int("rounds")); err != nil {
				return err
			}
			if path := c.String("snapshot"); path != "" {
				if err := writeSnapshot(m, path); err != nil {
					return err
				}
				log.Info("wrote snapshot", "path", path)
			}
			return nil
		})
		return g.Wait()
	},
}

var restoreCommand = cli.Command{
	Name:      "restore",
	Usage:     "load a controller snapshot and report its state",
	ArgsUsage: "<snapshot>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("restore: expected a snapshot path", 2)
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		m, err := newMachine(cfg, nil, slog.Default())
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Start(); err != nil {
			return err
		}

		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()
		if err := hv.ReadSnapshot(f, m.configHash(), m.cs.Snapshotters()); err != nil {
			return err
		}
		return m.report()
	},
}

func writeSnapshot(m *machine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := hv.WriteSnapshot(f, m.configHash(), m.cs.Snapshotters()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// exercise initializes the controller and drives every attached device.
func exercise(ctx context.Context, m *machine, rounds int) error {
	if err := m.drv.Init(ctx); err != nil {
		return fmt.Errorf("init controller: %w", err)
	}

	ports := make([]int, 0, len(m.devices))
	for port := range m.devices {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		dev, err := m.drv.Enumerate(ctx, port)
		if err != nil {
			return fmt.Errorf("enumerate port %d: %w", port, err)
		}
		m.log.Info("enumerated device",
			"port", port,
			"slot", dev.Slot,
			"speed", dev.Speed,
			"vendor", fmt.Sprintf("%04x", binary.LittleEndian.Uint16(dev.Descriptor[8:])),
			"product", fmt.Sprintf("%04x", binary.LittleEndian.Uint16(dev.Descriptor[10:])),
		)

		switch d := m.devices[port].(type) {
		case *vusb.Keyboard:
			err = typeKey(ctx, dev, d)
		case *vusb.Loopback:
			err = loopback(ctx, dev, rounds)
		}
		if err != nil {
			return fmt.Errorf("port %d: %w", port, err)
		}
	}
	return nil
}

// typeKey presses a key and reads the press and release reports.
func typeKey(ctx context.Context, dev *guestdrv.Device, kbd *vusb.Keyboard) error {
	const usageH = 0x0b
	kbd.Press(usageH)

	report := make([]byte, 8)
	for i, want := range []byte{usageH, 0} {
		n, err := dev.Transfer(ctx, 0x81, report)
		if err != nil {
			return err
		}
		if n != len(report) || report[2] != want {
			return fmt.Errorf("keyboard report %d: got % x", i, report[:n])
		}
	}
	return nil
}

// loopback sends increasing payloads through the bulk OUT endpoint and
// checks they come back on the bulk IN endpoint.
func loopback(ctx context.Context, dev *guestdrv.Device, rounds int) error {
	var out, in uint8
	for _, ep := range dev.Endpoints {
		if ep.Attributes&0x3 != 0x2 {
			continue
		}
		if ep.In() {
			in = ep.Address
		} else {
			out = ep.Address
		}
	}
	if out == 0 || in == 0 {
		return fmt.Errorf("loopback: missing bulk endpoints")
	}

	buf := make([]byte, 16<<10)
	size := 64
	for i := 0; i < rounds; i++ {
		payload := bytes.Repeat([]byte{byte(i + 1)}, size)
		if _, err := dev.Transfer(ctx, out, payload); err != nil {
			return fmt.Errorf("loopback write: %w", err)
		}
		n, err := dev.Transfer(ctx, in, buf)
		if err != nil {
			return fmt.Errorf("loopback read: %w", err)
		}
		if !bytes.Equal(payload, buf[:n]) {
			return fmt.Errorf("loopback round %d: sent %d bytes, got %d back", i, size, n)
		}
		if size < len(buf) {
			size *= 4
			size = min(size, len(buf))
		}
	}
	return nil
}

// report logs the controller status and every port's PORTSC as the guest
// would read them.
func (m *machine) report() error {
	ctx := hv.HostContext()
	var caplen [1]byte
	if err := m.cs.ReadMMIO(ctx, m.base, caplen[:]); err != nil {
		return err
	}
	op := m.base + uint64(caplen[0])

	read := func(addr uint64) (uint32, error) {
		var b [4]byte
		if err := m.cs.ReadMMIO(ctx, addr, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}

	cmd, err := read(op)
	if err != nil {
		return err
	}
	sts, err := read(op + 4)
	if err != nil {
		return err
	}
	m.log.Info("controller",
		"usbcmd", fmt.Sprintf("%#08x", cmd),
		"usbsts", fmt.Sprintf("%#08x", sts),
		"bar", fmt.Sprintf("%#x", m.fn.BAR()),
		"msi", m.fn.MSIEnabled(),
	)

	ports := m.cfg.Controller.USB2Ports + m.cfg.Controller.USB3Ports
	for n := 1; n <= ports; n++ {
		sc, err := read(op + 0x400 + 0x10*uint64(n-1))
		if err != nil {
			return err
		}
		m.log.Info("port", "port", n, "portsc", fmt.Sprintf("%#08x", sc))
	}
	return nil
}
