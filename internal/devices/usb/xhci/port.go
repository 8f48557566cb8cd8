package xhci

import (
	"github.com/tinyrange/xhci/internal/devices/usb/vusb"
)

// port is one root hub port. USB2 ports come first, then USB3 ports, in a
// single 1-based numbering shared with the transport.
type port struct {
	num  PortNumber
	usb3 bool

	connected bool
	speed     vusb.Speed
	resetting bool

	portsc uint32
	pmsc   uint32
	hlpmc  uint32
}

func speedID(s vusb.Speed) uint32 {
	switch s {
	case vusb.SpeedLow:
		return speedIDLow
	case vusb.SpeedFull:
		return speedIDFull
	case vusb.SpeedHigh:
		return speedIDHigh
	case vusb.SpeedSuper:
		return speedIDSuper
	}
	return 0
}

func (p *port) linkState() uint32 { return bits(p.portsc, 8, 5) }

func (p *port) setLinkState(pls uint32) {
	p.portsc = setBits(p.portsc, 8, 5, pls)
}

func (p *port) powered() bool { return p.portsc&portscPP != 0 }

// reset returns the port to its power-on state, keeping the physical
// connection. A connected device reports a connect status change so the
// driver finds it again.
func (p *port) reset() {
	p.resetting = false
	p.pmsc, p.hlpmc = 0, 0
	p.portsc = portscPP
	if p.connected {
		p.applyConnect()
		p.portsc |= portscCSC
	} else {
		p.setLinkState(linkRxDetect)
	}
}

// applyConnect reflects an attached device. USB3 links train straight to
// U0 and enable the port; USB2 ports wait for a port reset.
func (p *port) applyConnect() {
	p.portsc |= portscCCS
	p.portsc = setBits(p.portsc, 13, 10, speedID(p.speed))
	if p.usb3 {
		p.portsc |= portscPED
		p.setLinkState(linkU0)
	} else {
		p.portsc &^= portscPED
		p.setLinkState(linkPolling)
	}
}

func (p *port) applyDisconnect() {
	p.portsc &^= portscCCS | portscPED | portscPR | portscSpeedMask
	p.setLinkState(linkRxDetect)
}

// DeviceAttached implements vusb.AttachListener.
func (c *Controller) DeviceAttached(num uint8, speed vusb.Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.port(PortNumber(num))
	if p == nil {
		c.diag("xhci: attach on unknown port", "port", num)
		return
	}
	if speed.IsSuperSpeed() != p.usb3 {
		c.log.Warn("xhci: device speed does not match port protocol", "port", num, "speed", speed, "usb3", p.usb3)
	}
	p.connected, p.speed = true, speed
	if !p.powered() {
		return
	}
	p.applyConnect()
	p.portsc |= portscCSC
	c.portChangeLocked(p)
}

// DeviceDetached implements vusb.AttachListener.
func (c *Controller) DeviceDetached(num uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.port(PortNumber(num))
	if p == nil {
		return
	}
	p.connected, p.speed = false, vusb.SpeedUnknown
	if !p.powered() {
		return
	}
	p.applyDisconnect()
	p.portsc |= portscCSC
	c.portChangeLocked(p)
}

// portChangeLocked reports a port status change. While the controller is
// halted the change bits stay latched and are reported when it runs again.
func (c *Controller) portChangeLocked(p *port) {
	if c.halted() {
		return
	}
	c.usbsts.Or(stsPCD)
	c.postEvent(0, portStatusChangeEvent(p.num), false)
}

func (c *Controller) replayPortChangesLocked() {
	for i := range c.ports {
		if c.ports[i].portsc&portscChangeBits != 0 {
			c.portChangeLocked(&c.ports[i])
		}
	}
}

func (c *Controller) readPortReg(p *port, reg uint64) uint32 {
	switch reg {
	case portRegSC:
		return p.portsc
	case portRegPMSC:
		return p.pmsc
	case portRegHLPMC:
		return p.hlpmc
	}
	return 0
}

func (c *Controller) writePortReg(p *port, reg uint64, v uint32) {
	switch reg {
	case portRegSC:
		c.writePORTSCLocked(p, v)
	case portRegPMSC:
		p.pmsc = v
	case portRegHLPMC:
		p.hlpmc = v
	}
}

func (c *Controller) writePORTSCLocked(p *port, v uint32) {
	p.portsc &^= v & portscChangeBits
	p.portsc = p.portsc&^portscWakeBits | v&portscWakeBits

	switch {
	case v&portscPP == 0 && p.powered():
		p.portsc &^= portscPP | portscCCS | portscPED | portscPR | portscSpeedMask
		p.setLinkState(linkDisabled)
		p.resetting = false
		return
	case v&portscPP != 0 && !p.powered():
		p.portsc |= portscPP
		if p.connected {
			p.applyConnect()
			p.portsc |= portscCSC
			c.portChangeLocked(p)
		} else {
			p.setLinkState(linkRxDetect)
		}
	}
	if !p.powered() {
		return
	}

	if v&portscPED != 0 && p.portsc&portscPED != 0 {
		p.portsc &^= portscPED
		if p.usb3 {
			p.setLinkState(linkDisabled)
		}
	}

	switch {
	case v&portscWPR != 0 && p.usb3:
		c.resetPortLocked(p, true)
	case v&portscPR != 0:
		c.resetPortLocked(p, false)
	}

	if v&portscLWS != 0 {
		c.writeLinkStateLocked(p, bits(v, 8, 5))
	}
}

func (c *Controller) resetPortLocked(p *port, warm bool) {
	if !p.connected {
		// Nothing to reset: tell the driver the connection changed.
		p.portsc |= portscCSC
		c.portChangeLocked(p)
		return
	}
	if p.resetting {
		return
	}
	p.resetting = true
	p.portsc |= portscPR
	p.portsc &^= portscPED
	num, epoch := p.num, c.epoch
	c.transport.ResetPort(uint8(num), warm, func(err error) {
		c.portResetDone(num, epoch, warm, err)
	})
}

func (c *Controller) portResetDone(num PortNumber, epoch uint64, warm bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.port(num)
	if p == nil || epoch != c.epoch || !p.resetting {
		return
	}
	p.resetting = false
	p.portsc &^= portscPR
	p.portsc |= portscPRC
	if warm {
		p.portsc |= portscWRC
	}
	if err != nil || !p.connected {
		c.log.Debug("xhci: port reset failed", "port", num, "err", err)
	} else {
		p.portsc |= portscPED
		p.portsc = setBits(p.portsc, 13, 10, speedID(p.speed))
		p.setLinkState(linkU0)
	}
	c.portChangeLocked(p)
}

func (c *Controller) writeLinkStateLocked(p *port, target uint32) {
	cur := p.linkState()
	enabled := p.portsc&portscPED != 0
	switch target {
	case linkU0:
		if !enabled {
			return
		}
		if cur == linkU3 || cur == linkResume {
			p.setLinkState(linkU0)
			p.portsc |= portscPLC
			c.portChangeLocked(p)
			return
		}
		p.setLinkState(linkU0)
	case linkU3:
		if enabled && cur == linkU0 {
			p.setLinkState(linkU3)
		}
	case linkU1, linkU2:
		if enabled && p.usb3 {
			p.setLinkState(target)
		}
	case linkDisabled, linkRxDetect:
		if p.usb3 {
			p.portsc &^= portscPED
			p.setLinkState(target)
		}
	default:
		c.diag("xhci: unsupported link state write", "port", p.num, "pls", target)
	}
}

// portState is the persisted state of a port.
type portState struct {
	PORTSC    uint32
	PMSC      uint32
	HLPMC     uint32
	Connected bool
	Speed     vusb.Speed
}

func (p *port) capture() portState {
	return portState{PORTSC: p.portsc, PMSC: p.pmsc, HLPMC: p.hlpmc, Connected: p.connected, Speed: p.speed}
}

func (p *port) restore(s portState) {
	p.portsc, p.pmsc, p.hlpmc = s.PORTSC&^portscPR, s.PMSC, s.HLPMC
	p.connected, p.speed = s.Connected, s.Speed
	p.resetting = false
}
