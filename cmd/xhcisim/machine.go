package main

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/config"
	"github.com/tinyrange/xhci/internal/devices/pci"
	"github.com/tinyrange/xhci/internal/devices/usb/guestdrv"
	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
	"github.com/tinyrange/xhci/internal/devices/usb/xhci"
	"github.com/tinyrange/xhci/internal/guestmem"
	"github.com/tinyrange/xhci/internal/hv"
)

const (
	xhciIRQ = 11
	// xhciSlot is the PCI device number of the controller on bus 0.
	xhciSlot = 1
	// The driver arena starts above the first megabyte of RAM.
	arenaBase = 1 << 20
)

// machine is a controller wired to guest RAM, a chipset and a root hub,
// with a driver programming it from the host side.
type machine struct {
	cfg  config.File
	base uint64
	log  *slog.Logger
	ram  *guestmem.RAM
	hub  *vusb.Hub
	ctrl *xhci.Controller
	pci  *pci.HostBridge
	fn   *pci.Function
	cs   *chipset.Chipset
	drv  *guestdrv.Driver
	irqs chan struct{}

	// devices maps root hub ports to what is plugged into them.
	devices map[int]vusb.Device
}

func newMachine(cfg config.File, reg prometheus.Registerer, log *slog.Logger) (_ *machine, err error) {
	m := &machine{
		cfg:     cfg,
		log:     log,
		irqs:    make(chan struct{}, 1),
		devices: make(map[int]vusb.Device),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	ramSize := cfg.MemoryMB << 20
	m.ram, err = guestmem.NewRAM(0, ramSize)
	if err != nil {
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}

	space := hv.NewAddressSpace(0, ramSize)
	bar, err := space.Allocate(hv.MMIOAllocationRequest{
		Name:      cfg.Name,
		Size:      xhci.MMIOWindowSize,
		Alignment: xhci.MMIOWindowSize,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate register window: %w", err)
	}

	ecam, err := space.Allocate(hv.MMIOAllocationRequest{
		Name:      "pci-ecam",
		Size:      1 << 20,
		Alignment: 1 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate ECAM window: %w", err)
	}

	ports := cfg.Controller.USB2Ports + cfg.Controller.USB3Ports
	m.hub = vusb.NewHub(ports, log)

	lines := chipset.NewLineSet(chipset.InterruptSinkFunc(func(line uint8, level bool) {
		if level {
			m.wake()
		}
	}))

	interrupters := cfg.Controller.Interrupters
	if interrupters == 0 {
		interrupters = 8
	}
	m.fn, err = pci.NewFunction(pci.FunctionConfig{
		BARSize: xhci.MMIOWindowSize,
		BARBase: bar.Base,
		IRQLine: xhciIRQ,
		MSI: pci.MSISinkFunc(func(addr uint64, data uint32) {
			log.Debug("msi", "addr", fmt.Sprintf("%#x", addr), "data", fmt.Sprintf("%#x", data))
			m.wake()
		}),
		Vectors: msiVectors(interrupters),
	})
	if err != nil {
		return nil, err
	}
	m.pci = pci.NewHostBridge(pci.HostBridgeConfig{ConfigBase: ecam.Base, Logger: log})
	if err := m.pci.RegisterFunction(xhciSlot, 0, m.fn); err != nil {
		return nil, err
	}

	opts := cfg.Options()
	m.base = bar.Base
	opts.Base = bar.Base
	opts.Memory = m.ram
	opts.Transport = m.hub
	opts.Line = m.fn.ConnectLine(lines.AllocateLine(xhciIRQ))
	opts.MSI = m.fn
	opts.Logger = log
	opts.Registerer = reg
	m.ctrl, err = xhci.New(opts)
	if err != nil {
		return nil, err
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("pci-host", m.pci); err != nil {
		return nil, err
	}
	if err := b.RegisterDevice(cfg.Name, m.ctrl); err != nil {
		return nil, err
	}
	m.cs, err = b.Build()
	if err != nil {
		return nil, err
	}

	m.drv, err = guestdrv.New(guestdrv.Options{
		Bus:       m.cs,
		Base:      bar.Base,
		Memory:    m.ram,
		ArenaBase: arenaBase,
		ArenaSize: ramSize - arenaBase,
		Interrupt: m.irqs,
		Logger:    log.With("component", "driver"),
	})
	if err != nil {
		return nil, err
	}

	for _, d := range cfg.Devices {
		dev, err := d.NewDevice()
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", d.Port, err)
		}
		if err := m.hub.Attach(uint8(d.Port), dev); err != nil {
			return nil, err
		}
		m.devices[d.Port] = dev
	}
	return m, nil
}

func (m *machine) Start() error { return m.cs.Start() }

func (m *machine) wake() {
	select {
	case m.irqs <- struct{}{}:
	default:
	}
}

// msiVectors rounds the interrupter count up to a vector count MSI can
// advertise.
func msiVectors(interrupters int) int {
	n := 1
	for n < interrupters && n < 32 {
		n <<= 1
	}
	return n
}

// setupPCI programs the controller's config space the way firmware would:
// memory decoding and bus mastering on, and MSI when asked for.
func (m *machine) setupPCI(msi bool) error {
	write := func(reg uint16, v uint32, size int) error {
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		return m.cs.WriteMMIO(hv.HostContext(), m.pci.ConfigAddress(xhciSlot, 0, reg), buf)
	}
	if msi {
		if err := write(0x54, 0xfee0_0000, 4); err != nil {
			return err
		}
		if err := write(0x5c, 0x0041, 2); err != nil {
			return err
		}
		if err := write(0x52, 1, 2); err != nil {
			return err
		}
	}
	// Memory space and bus master.
	return write(0x04, 0x6, 2)
}

// configHash identifies the machine layout a snapshot belongs to.
func (m *machine) configHash() hv.ConfigHash {
	return hv.ComputeConfigHash(0, m.ram.Size(), m.cs.DeviceConfigs())
}

func (m *machine) Close() {
	if m.cs != nil {
		if err := m.cs.Stop(); err != nil {
			m.log.Warn("stop chipset", "error", err)
		}
	} else if m.ctrl != nil {
		m.ctrl.Close()
	}
	if m.hub != nil {
		m.hub.Close()
	}
	if m.ram != nil {
		m.ram.Close()
	}
}
