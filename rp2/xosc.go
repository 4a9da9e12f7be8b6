package rp2

import "fmt"

const (
	XOSC_CTRL    = 0x00
	XOSC_STATUS  = 0x04
	XOSC_DORMANT = 0x08
	XOSC_STARTUP = 0x0c
	XOSC_COUNT   = 0x10

	XOSC_CTRL_ENABLE_LSB      = 12
	XOSC_CTRL_ENABLE_BITS     = 0xfff << XOSC_CTRL_ENABLE_LSB
	XOSC_CTRL_ENABLE_VALUE    = 0xfab
	XOSC_CTRL_DISABLE_VALUE   = 0xd1e
	XOSC_CTRL_FREQ_RANGE_BITS = 0xfff

	XOSC_CTRL_FREQ_RANGE_1_15MHZ   = 0xaa0
	XOSC_CTRL_FREQ_RANGE_10_30MHZ  = 0xaa1
	XOSC_CTRL_FREQ_RANGE_25_60MHZ  = 0xaa2
	XOSC_CTRL_FREQ_RANGE_40_100MHZ = 0xaa3

	XOSC_STATUS_STABLE = 1 << 31

	XOSC_STARTUP_DELAY_BITS = 0x3fff
)

// XOSC is the crystal oscillator.
type XOSC struct {
	hz      uint32
	mult    uint32
	ranges  func(uint32) (uint32, error)
	ctrl    reg
	status  reg
	startup reg
	p       *poller
}

func newXOSC(bus Bus, t *Target, hz, mult uint32, p *poller) *XOSC {
	return &XOSC{
		hz:      hz,
		mult:    mult,
		ranges:  t.xoscFreqRange,
		ctrl:    reg{bus, t.XOSCBase + XOSC_CTRL},
		status:  reg{bus, t.XOSCBase + XOSC_STATUS},
		startup: reg{bus, t.XOSCBase + XOSC_STARTUP},
		p:       p,
	}
}

// Hz is the crystal frequency the handle was opened with.
func (x *XOSC) Hz() uint32 {
	return x.hz
}

func (x *XOSC) Stable() bool {
	return x.status.HasBits(XOSC_STATUS_STABLE)
}

// StartupDelay is the STARTUP value for the crystal: roughly 1ms worth of
// 256-cycle units, times the multiplier.
func (x *XOSC) StartupDelay() uint32 {
	return ((x.hz/1000 + 128) / 256) * x.mult
}

// Start enables the oscillator and waits for it to report stable.
func (x *XOSC) Start() error {
	fr, err := x.ranges(x.hz)
	if err != nil {
		return err
	}
	d := x.StartupDelay()
	if d == 0 || d > XOSC_STARTUP_DELAY_BITS {
		return fmt.Errorf("xosc startup delay %d out of range", d)
	}
	x.ctrl.Set(fr)
	x.startup.Set(d)
	x.ctrl.SetBits(XOSC_CTRL_ENABLE_VALUE << XOSC_CTRL_ENABLE_LSB)
	return x.p.waitFor("xosc stable", x.Stable)
}
