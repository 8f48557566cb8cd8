package pci

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/xhci/internal/chipset"
)

// Type-0 header registers.
const (
	regVendorID   = 0x00
	regCommand    = 0x04
	regStatus     = 0x06
	regRevision   = 0x08
	regClass      = 0x09
	regHeaderType = 0x0e
	regSubsystem  = 0x2c
	regCapPtr     = 0x34
	regIntLine    = 0x3c
	regIntPin     = 0x3d

	cmdMemorySpace = 1 << 1
	cmdBusMaster   = 1 << 2
	cmdIntxDisable = 1 << 10

	statusInterrupt = 1 << 3
	statusCapList   = 1 << 4

	bar64Bit = 0x4
)

// MSI capability, placed at msiCapOffset.
const (
	msiCapOffset = 0x50
	msiCapID     = 0x05

	msiControl = msiCapOffset + 2
	msiAddrLo  = msiCapOffset + 4
	msiAddrHi  = msiCapOffset + 8
	msiData    = msiCapOffset + 12

	msiEnable    = 1 << 0
	msiMMCShift  = 1
	msiMMEShift  = 4
	msi64BitAddr = 1 << 7
)

// xHCI-specific registers after the capabilities.
const (
	regSBRN  = 0x60
	regFLADJ = 0x61

	sbrnUSB30    = 0x30
	fladjDefault = 0x20
)

// MSISink receives the memory write an MSI turns into.
type MSISink interface {
	DeliverMSI(addr uint64, data uint32)
}

// MSISinkFunc adapts a function to MSISink.
type MSISinkFunc func(addr uint64, data uint32)

func (f MSISinkFunc) DeliverMSI(addr uint64, data uint32) { f(addr, data) }

// FunctionConfig identifies an xHCI function.
type FunctionConfig struct {
	VendorID  uint16
	DeviceID  uint16
	Revision  uint8
	BARSize   uint32
	BARBase   uint64
	IRQLine   uint8
	MSI       MSISink
	// Vectors is the number of MSI vectors advertised, a power of two up to 32.
	Vectors int
}

// Function is the PCI face of an xHCI controller: a type-0 header with a
// 64-bit memory BAR, an MSI capability and the SBRN/FLADJ registers.
type Function struct {
	mu     sync.Mutex
	config [256]byte
	wmask  [256]byte

	msi  MSISink
	line chipset.LineInterrupt

	// lineLevel is the level the controller last asked for.
	lineLevel bool
}

// NewFunction builds the config space for an xHCI function.
func NewFunction(cfg FunctionConfig) (*Function, error) {
	if cfg.VendorID == 0 {
		cfg.VendorID, cfg.DeviceID = 0x1b36, 0x000d
	}
	if cfg.BARSize == 0 || cfg.BARSize&(cfg.BARSize-1) != 0 || cfg.BARSize < 16 {
		return nil, fmt.Errorf("pci: BAR size %#x is not a power of two", cfg.BARSize)
	}
	if cfg.BARBase&uint64(cfg.BARSize-1) != 0 {
		return nil, fmt.Errorf("pci: BAR base %#x not aligned to %#x", cfg.BARBase, cfg.BARSize)
	}
	if cfg.Vectors == 0 {
		cfg.Vectors = 1
	}
	if cfg.Vectors > 32 || cfg.Vectors&(cfg.Vectors-1) != 0 {
		return nil, fmt.Errorf("pci: %d MSI vectors is not a power of two up to 32", cfg.Vectors)
	}

	f := &Function{msi: cfg.MSI, line: chipset.LineInterruptDetached()}
	c := f.config[:]
	binary.LittleEndian.PutUint16(c[regVendorID:], cfg.VendorID)
	binary.LittleEndian.PutUint16(c[regVendorID+2:], cfg.DeviceID)
	binary.LittleEndian.PutUint16(c[regStatus:], statusCapList)
	c[regRevision] = cfg.Revision
	c[regClass] = 0x30   // xHCI programming interface
	c[regClass+1] = 0x03 // USB controller
	c[regClass+2] = 0x0c // serial bus
	c[regHeaderType] = 0x00
	binary.LittleEndian.PutUint16(c[regSubsystem:], cfg.VendorID)
	binary.LittleEndian.PutUint16(c[regSubsystem+2:], 0x1100)
	c[regCapPtr] = msiCapOffset
	c[regIntLine] = cfg.IRQLine
	c[regIntPin] = 1

	binary.LittleEndian.PutUint32(c[type0BAROffset:], uint32(cfg.BARBase)|bar64Bit)
	binary.LittleEndian.PutUint32(c[type0BAROffset+type0BARStride:], uint32(cfg.BARBase>>32))

	c[msiCapOffset] = msiCapID
	mmc := uint16(bits.TrailingZeros(uint(cfg.Vectors)))
	binary.LittleEndian.PutUint16(c[msiControl:], msi64BitAddr|mmc<<msiMMCShift)

	c[regSBRN] = sbrnUSB30
	c[regFLADJ] = fladjDefault

	m := f.wmask[:]
	binary.LittleEndian.PutUint16(m[regCommand:], cmdMemorySpace|cmdBusMaster|cmdIntxDisable)
	binary.LittleEndian.PutUint32(m[type0BAROffset:], ^(cfg.BARSize - 1))
	binary.LittleEndian.PutUint32(m[type0BAROffset+type0BARStride:], 0xffff_ffff)
	m[regIntLine] = 0xff
	binary.LittleEndian.PutUint16(m[msiControl:], msiEnable|0x7<<msiMMEShift)
	binary.LittleEndian.PutUint32(m[msiAddrLo:], 0xffff_fffc)
	binary.LittleEndian.PutUint32(m[msiAddrHi:], 0xffff_ffff)
	binary.LittleEndian.PutUint16(m[msiData:], 0xffff)
	m[regFLADJ] = 0x3f
	return f, nil
}

// ReadConfig implements ConfigSpace.
func (f *Function) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkAccess(offset, size); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(f.config[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace. Read-only bits keep their value.
func (f *Function) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkAccess(offset, size); err != nil {
		return err
	}
	f.mu.Lock()
	intxBefore := f.intxDisabledLocked()
	for i := uint8(0); i < size; i++ {
		idx := int(offset) + int(i)
		b := byte(value >> (8 * i))
		f.config[idx] = f.config[idx]&^f.wmask[idx] | b&f.wmask[idx]
	}
	intxChanged := f.intxDisabledLocked() != intxBefore
	level := f.lineLevel && !f.intxDisabledLocked()
	line := f.line
	f.mu.Unlock()

	if intxChanged {
		line.SetLevel(level)
	}
	return nil
}

func checkAccess(offset uint16, size uint8) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci: invalid access size %d", size)
	}
	if offset%uint16(size) != 0 {
		return fmt.Errorf("pci: unaligned %d-byte access at %#x", size, offset)
	}
	if int(offset)+int(size) > 256 {
		return fmt.Errorf("pci: offset %#x beyond the type-0 header", offset)
	}
	return nil
}

func (f *Function) word(off int) uint16 { return binary.LittleEndian.Uint16(f.config[off:]) }

func (f *Function) intxDisabledLocked() bool { return f.word(regCommand)&cmdIntxDisable != 0 }

// BAR returns the address BAR0/BAR1 currently decode.
func (f *Function) BAR() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	lo := binary.LittleEndian.Uint32(f.config[type0BAROffset:]) &^ 0xf
	hi := binary.LittleEndian.Uint32(f.config[type0BAROffset+type0BARStride:])
	return uint64(hi)<<32 | uint64(lo)
}

// MemoryEnabled reports whether the guest turned on memory decoding.
func (f *Function) MemoryEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.word(regCommand)&cmdMemorySpace != 0
}

// MSIEnabled reports whether messages will be sent instead of asserting
// INTx. Messages are memory writes, so bus mastering must be on too.
func (f *Function) MSIEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msiEnabledLocked()
}

func (f *Function) msiEnabledLocked() bool {
	return f.msi != nil &&
		f.word(msiControl)&msiEnable != 0 &&
		f.word(regCommand)&cmdBusMaster != 0
}

// SignalMSI sends the message for vector. Vectors beyond what the guest
// enabled fold onto the enabled range.
func (f *Function) SignalMSI(vector int) {
	f.mu.Lock()
	if !f.msiEnabledLocked() {
		f.mu.Unlock()
		return
	}
	ctrl := f.word(msiControl)
	mmc := ctrl >> msiMMCShift & 0x7
	mme := min(ctrl>>msiMMEShift&0x7, mmc)
	n := uint32(1) << mme
	addr := uint64(binary.LittleEndian.Uint32(f.config[msiAddrHi:]))<<32 |
		uint64(binary.LittleEndian.Uint32(f.config[msiAddrLo:]))
	data := uint32(f.word(msiData))
	data = data&^(n-1) | uint32(vector)&(n-1)
	sink := f.msi
	f.mu.Unlock()

	sink.DeliverMSI(addr, data)
}

// ConnectLine routes the controller's legacy interrupt through the function
// so INTx Disable and the Interrupt Status bit apply. The returned line is
// what the controller should drive.
func (f *Function) ConnectLine(line chipset.LineInterrupt) chipset.LineInterrupt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	f.line = line
	return chipset.LineInterruptFromFunc(f.setLine)
}

func (f *Function) setLine(level bool) {
	f.mu.Lock()
	f.lineLevel = level
	status := f.word(regStatus) &^ statusInterrupt
	if level {
		status |= statusInterrupt
	}
	binary.LittleEndian.PutUint16(f.config[regStatus:], status)
	out := level && !f.intxDisabledLocked()
	line := f.line
	f.mu.Unlock()

	line.SetLevel(out)
}

func (f *Function) saveConfig() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.config[:]...)
}

func (f *Function) loadConfig(data []byte) error {
	if len(data) != len(f.config) {
		return fmt.Errorf("pci: config snapshot is %d bytes, want %d", len(data), len(f.config))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.config[:], data)
	return nil
}

var _ ConfigSpace = (*Function)(nil)
