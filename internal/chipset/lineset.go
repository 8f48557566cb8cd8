package chipset

import "sync"

// InterruptSink is told when the combined level of a line changes.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(line uint8, level bool)

func (f InterruptSinkFunc) SetIRQ(line uint8, level bool) { f(line, level) }

// LineSet owns the interrupt lines of a machine. Several devices may share
// a line; it stays high while any of them drives it high.
type LineSet struct {
	sink InterruptSink

	mu sync.Mutex
	// high counts the drivers holding each line high.
	high [256]int
}

// NewLineSet builds a LineSet reporting to sink. A nil sink discards.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = InterruptSinkFunc(func(uint8, bool) {})
	}
	return &LineSet{sink: sink}
}

// AllocateLine returns a new driver for irq.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	return &lineDriver{set: l, irq: irq}
}

// Level reports the combined level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.high[irq] > 0
}

type lineDriver struct {
	set *LineSet
	irq uint8
	// high is guarded by set.mu.
	high bool
}

func (d *lineDriver) SetLevel(high bool) {
	s := d.set
	s.mu.Lock()
	if d.high == high {
		s.mu.Unlock()
		return
	}
	d.high = high
	was := s.high[d.irq] > 0
	if high {
		s.high[d.irq]++
	} else {
		s.high[d.irq]--
	}
	now := s.high[d.irq] > 0
	s.mu.Unlock()

	if was != now {
		s.sink.SetIRQ(d.irq, now)
	}
}

// PulseInterrupt sends an edge. It is lost if another driver already holds
// the line high.
func (d *lineDriver) PulseInterrupt() {
	s := d.set
	s.mu.Lock()
	busy := s.high[d.irq] > 0
	s.mu.Unlock()
	if busy {
		return
	}
	s.sink.SetIRQ(d.irq, true)
	s.sink.SetIRQ(d.irq, false)
}
