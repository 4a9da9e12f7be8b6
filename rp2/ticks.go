package rp2

import (
	"errors"
	"fmt"
)

// RP2350 TICKS block: one CTRL/CYCLES/COUNT triple per generator.
const (
	TICKS_CTRL   = 0x0
	TICKS_CYCLES = 0x4
	TICKS_COUNT  = 0x8
	TICKS_STRIDE = 0xc

	TICKS_CTRL_ENABLE  = 1 << 0
	TICKS_CTRL_RUNNING = 1 << 1
	TICKS_CYCLES_BITS  = 0x1ff
)

// RP2040 has a single generator inside the watchdog.
const (
	WATCHDOG_TICK = 0x2c

	WATCHDOG_TICK_CYCLES_BITS = 0x1ff
	WATCHDOG_TICK_ENABLE      = 1 << 9
	WATCHDOG_TICK_RUNNING     = 1 << 10
)

var ErrTickStarted = errors.New("tick generator already started")

// Tick is one tick generator.
type Tick struct {
	name    string
	ctrl    reg
	cycles  reg // same register as ctrl on RP2040
	enable  uint32
	running uint32
	p       *poller
	started bool
}

func newTicks(bus Bus, t *Target, p *poller) []*Tick {
	var ts []*Tick
	for i, n := range t.Ticks {
		tk := &Tick{name: n, p: p}
		if t.TicksBase != 0 {
			base := t.TicksBase + uint32(i)*TICKS_STRIDE
			tk.ctrl = reg{bus, base + TICKS_CTRL}
			tk.cycles = reg{bus, base + TICKS_CYCLES}
			tk.enable = TICKS_CTRL_ENABLE
			tk.running = TICKS_CTRL_RUNNING
		} else {
			tk.ctrl = reg{bus, t.WatchdogBase + WATCHDOG_TICK}
			tk.cycles = tk.ctrl
			tk.enable = WATCHDOG_TICK_ENABLE
			tk.running = WATCHDOG_TICK_RUNNING
		}
		ts = append(ts, tk)
	}
	return ts
}

func (tk *Tick) Name() string {
	return tk.name
}

func (tk *Tick) Running() bool {
	return tk.ctrl.HasBits(tk.running)
}

// Cycles reads back the programmed divisor.
func (tk *Tick) Cycles() uint32 {
	return tk.cycles.Get() & TICKS_CYCLES_BITS
}

// Start programs the divisor, enables the generator and waits until it runs.
// A generator is only ever started once; one that timed out may be started
// again.
func (tk *Tick) Start(cycles uint32) error {
	if tk.started {
		return fmt.Errorf("%s: %w", tk.name, ErrTickStarted)
	}
	if cycles == 0 || cycles > TICKS_CYCLES_BITS {
		return fmt.Errorf("%s: %d cycles per tick out of range", tk.name, cycles)
	}
	if tk.cycles.addr == tk.ctrl.addr {
		tk.ctrl.Set(cycles | tk.enable)
	} else {
		tk.cycles.Set(cycles)
		tk.ctrl.Set(tk.enable)
	}
	err := tk.p.waitFor("tick "+tk.name+" running", tk.Running)
	if err != nil {
		return err
	}
	tk.started = true
	return nil
}
