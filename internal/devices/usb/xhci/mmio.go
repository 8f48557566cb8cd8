package xhci

import (
	"fmt"

	"github.com/tinyrange/xhci/internal/chipset"
	"github.com/tinyrange/xhci/internal/hv"
)

// regBlock serves one register block of the BAR. Offsets handed to read and
// write are relative to start and dword aligned.
type regBlock struct {
	name  string
	start uint64
	end   uint64
	read  func(off uint64) uint32
	write func(off uint64, v uint32)
}

func (c *Controller) buildRegBlocks() []regBlock {
	extCaps := c.extendedCapabilities()
	return []regBlock{
		{
			name:  "capability",
			start: 0,
			end:   capLength,
			read: func(off uint64) uint32 {
				if off >= extCapStart {
					i := (off - extCapStart) / 4
					if i < uint64(len(extCaps)) {
						return extCaps[i]
					}
					return 0
				}
				return c.readCapability(off)
			},
			write: func(off uint64, v uint32) {},
		},
		{
			name:  "operational",
			start: opBase,
			end:   opBase + portRegBase,
			read:  c.readOperational,
			write: c.writeOperational,
		},
		{
			name:  "port",
			start: opBase + portRegBase,
			end:   opBase + portRegBase + uint64(c.numPorts)*portRegSize,
			read: func(off uint64) uint32 {
				c.mu.Lock()
				defer c.mu.Unlock()
				return c.readPortReg(&c.ports[off/portRegSize], off%portRegSize)
			},
			write: func(off uint64, v uint32) {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.writePortReg(&c.ports[off/portRegSize], off%portRegSize, v)
			},
		},
		{
			name:  "runtime",
			start: rtsOff,
			end:   rtsOff + intrRegBase + uint64(len(c.intrs))*intrRegSize,
			read:  c.readRuntime,
			write: c.writeRuntime,
		},
		{
			name:  "doorbell",
			start: dbOff,
			end:   dbOff + uint64(len(c.doorbells))*4,
			read:  func(off uint64) uint32 { return 0 },
			write: func(off uint64, v uint32) { c.ringDoorbell(int(off/4), v) },
		},
	}
}

// extendedCapabilities lays out one Supported Protocol capability per port
// protocol, USB2 first.
func (c *Controller) extendedCapabilities() []uint32 {
	type protocol struct {
		major       uint32
		first, count int
	}
	var protos []protocol
	if c.opts.USB2Ports > 0 {
		protos = append(protos, protocol{major: 2, first: 1, count: c.opts.USB2Ports})
	}
	if c.opts.USB3Ports > 0 {
		protos = append(protos, protocol{major: 3, first: c.opts.USB2Ports + 1, count: c.opts.USB3Ports})
	}
	var caps []uint32
	for i, p := range protos {
		next := uint32(4)
		if i == len(protos)-1 {
			next = 0
		}
		caps = append(caps,
			extCapProtocol|next<<8|p.major<<24,
			protocolName,
			uint32(p.first)|uint32(p.count)<<8,
			0,
		)
	}
	return caps
}

func (c *Controller) readCapability(off uint64) uint32 {
	switch off {
	case capRegLength:
		return capLength | hciVersion<<16
	case capRegHCSParam1:
		return uint32(len(c.slots)) | uint32(len(c.intrs))<<8 | uint32(c.numPorts)<<24
	case capRegHCSParam2:
		return erstMaxLog2 << 4
	case capRegHCSParam3:
		return 0
	case capRegHCCParam1:
		return hccAC64 | (extCapStart/4)<<hccXECPShift
	case capRegDBOff:
		return dbOff
	case capRegRTSOff:
		return rtsOff
	case capRegHCCParam2:
		return 0
	}
	return 0
}

func (c *Controller) readOperational(off uint64) uint32 {
	switch off {
	case opRegUSBCmd:
		return c.usbcmd.Load()
	case opRegUSBSts:
		return c.usbsts.Load()
	case opRegPageSize:
		return 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case opRegDNCtrl:
		return c.dnctrl
	case opRegCRCRLo:
		if c.crr {
			return crcrCRR
		}
		return 0
	case opRegCRCRHi:
		return 0
	case opRegDCBAAPLo, opRegDCBAAPHi:
		return half(c.dcbaap, off == opRegDCBAAPHi)
	case opRegConfig:
		return c.config
	}
	return 0
}

func (c *Controller) writeOperational(off uint64, v uint32) {
	switch off {
	case opRegUSBCmd:
		c.writeUSBCMD(v)
		return
	case opRegUSBSts:
		c.usbsts.And(^(v & stsWriteToClear))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case opRegDNCtrl:
		c.dnctrl = v & 0xffff
	case opRegCRCRLo, opRegCRCRHi:
		c.writeCRCRLocked(off == opRegCRCRHi, v)
	case opRegDCBAAPLo, opRegDCBAAPHi:
		c.dcbaap = mergeHalf(c.dcbaap, off == opRegDCBAAPHi, v) & dcbaapMask
	case opRegConfig:
		c.config = v & 0x3ff
	}
}

func (c *Controller) writeUSBCMD(v uint32) {
	if v&cmdHCReset != 0 {
		if err := c.Reset(); err != nil {
			c.log.Debug("xhci: reset ignored", "err", err)
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.usbcmd.Swap(v & cmdWritable)
	switch {
	case v&cmdRunStop != 0 && old&cmdRunStop == 0:
		c.startLocked()
	case v&cmdRunStop == 0 && old&cmdRunStop != 0:
		c.kickWorker()
	}
	if (old^v)&cmdIntEnable != 0 {
		for _, ir := range c.intrs {
			ir.mu.Lock()
			ir.deliverLocked()
			ir.mu.Unlock()
		}
		c.updateLine()
	}
}

// writeCRCRLocked updates the command ring pointer, or stops or aborts the
// ring while it runs.
func (c *Controller) writeCRCRLocked(high bool, v uint32) {
	if c.crr {
		if high {
			return
		}
		switch {
		case v&crcrCA != 0:
			c.cmdStop = ccCmdAborted
			if c.cmdAbort != nil {
				close(c.cmdAbort)
				c.cmdAbort = nil
			}
		case v&crcrCS != 0:
			c.cmdStop = ccCmdRingStopped
		default:
			return
		}
		if !c.cmdBusy {
			c.stopCommandRingLocked()
		}
		return
	}
	c.crcr.Addr = mergeHalf(c.crcr.Addr, high, v) & crcrPointerMask
	if !high {
		c.crcr.Cycle = v&crcrRCS != 0
	}
}

func (c *Controller) readRuntime(off uint64) uint32 {
	if off < intrRegBase {
		if off == rtRegMFIndex {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.mfindexLocked()
		}
		return 0
	}
	idx := (off - intrRegBase) / intrRegSize
	return c.intrs[idx].readReg((off - intrRegBase) % intrRegSize)
}

func (c *Controller) writeRuntime(off uint64, v uint32) {
	if off < intrRegBase {
		return
	}
	idx := (off - intrRegBase) / intrRegSize
	c.intrs[idx].writeReg((off-intrRegBase)%intrRegSize, v)
}

// ringDoorbell records work for the worker without taking the controller
// lock. Doorbell 0 is the command ring; doorbell n targets slot n.
func (c *Controller) ringDoorbell(idx int, v uint32) {
	if !c.running() {
		return
	}
	target := v & doorbellTargetMask
	if idx == 0 {
		if target != 0 {
			c.diag("xhci: invalid command doorbell target", "target", target)
			return
		}
		c.cmdBell.Store(true)
		c.kickWorker()
		return
	}
	dci := DCI(target)
	if !dci.Valid() {
		c.diag("xhci: invalid doorbell target", "slot", idx, "target", target)
		return
	}
	c.doorbells[idx].Or(dci.bit())
	c.kickWorker()
}

func (c *Controller) findBlock(off uint64) *regBlock {
	for i := range c.blocks {
		b := &c.blocks[i]
		if off >= b.start && off < b.end {
			return b
		}
	}
	return nil
}

func (c *Controller) readDword(off uint64) uint32 {
	b := c.findBlock(off)
	if b == nil {
		c.diag("xhci: read of unimplemented register", "offset", fmt.Sprintf("%#x", off))
		return 0
	}
	return b.read(off - b.start)
}

func (c *Controller) writeDword(off uint64, v uint32) {
	b := c.findBlock(off)
	if b == nil {
		c.diag("xhci: write to unimplemented register", "offset", fmt.Sprintf("%#x", off), "value", v)
		return
	}
	b.write(off-b.start, v)
}

// actionBits returns the bits of the dword at off that act when written as
// one: write-1-to-clear status and command triggers. A narrow write merges
// into the current value, so these must be written back as zero.
func (c *Controller) actionBits(off uint64) uint32 {
	switch {
	case off == opBase+opRegUSBSts:
		return stsWriteToClear
	case off == opBase+opRegCRCRLo:
		return crcrCS | crcrCA
	case off >= opBase+portRegBase && off < opBase+portRegBase+uint64(c.numPorts)*portRegSize:
		if (off-opBase-portRegBase)%portRegSize == portRegSC {
			return portscPED | portscPR | portscLWS | portscChangeBits | portscWPR
		}
	case off >= rtsOff+intrRegBase && off < rtsOff+intrRegBase+uint64(len(c.intrs))*intrRegSize:
		switch (off - rtsOff - intrRegBase) % intrRegSize {
		case intrRegIMAN:
			return imanIP
		case intrRegERDPLo:
			return erdpEHB
		}
	}
	return 0
}

func (c *Controller) offsetFor(addr uint64, size int) (uint64, error) {
	if addr < c.opts.Base || addr-c.opts.Base+uint64(size) > MMIOWindowSize {
		return 0, fmt.Errorf("xhci: access at %#x outside BAR %#x", addr, c.opts.Base)
	}
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("xhci: invalid access size %d", size)
	}
	off := addr - c.opts.Base
	if off%uint64(size) != 0 {
		return 0, fmt.Errorf("xhci: unaligned %d-byte access at %#x", size, off)
	}
	return off, nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (c *Controller) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: c.opts.Base, Size: MMIOWindowSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (c *Controller) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	off, err := c.offsetFor(addr, len(data))
	if err != nil {
		return err
	}
	aligned := off &^ 3
	v := uint64(c.readDword(aligned))
	if len(data) == 8 {
		v |= uint64(c.readDword(aligned+4)) << 32
	}
	v >>= (off & 3) * 8
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice. 64-bit writes are split into
// a low then a high dword write; narrower writes merge into the dword.
func (c *Controller) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	off, err := c.offsetFor(addr, len(data))
	if err != nil {
		return err
	}
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	switch len(data) {
	case 8:
		c.writeDword(off, uint32(v))
		c.writeDword(off+4, uint32(v>>32))
	case 4:
		c.writeDword(off, uint32(v))
	default:
		aligned := off &^ 3
		shift := (off & 3) * 8
		mask := uint32(1)<<(8*len(data)) - 1
		cur := c.readDword(aligned) &^ c.actionBits(aligned)
		c.writeDword(aligned, cur&^(mask<<shift)|(uint32(v)&mask)<<shift)
	}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *Controller) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{Regions: c.MMIORegions(), Handler: c}
}

// Start implements chipset.ChangeDeviceState. The worker runs from New.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (c *Controller) Stop() error { return c.Close() }

var (
	_ hv.MemoryMappedIODevice = (*Controller)(nil)
	_ chipset.ChipsetDevice   = (*Controller)(nil)
)
