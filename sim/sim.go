// Package sim is a behavioural model of the RP2 clock hardware: crystal
// oscillator start-up, PLL lock, glitchless mux switching, resets, tick
// generators and the flash interface timing registers. It implements rp2.Bus
// and rp2.Delayer, and flags register sequences that would glitch or hang
// real silicon.
package sim

import (
	"fmt"
	"sync"

	"github.com/Jon-Bright/clkseq/rp2"
	"github.com/Jon-Bright/clkseq/trace"
)

type register struct {
	name  string
	val   uint32
	read  func(r *register) uint32
	write func(r *register, old uint32)
	// clock marks registers whose writes change clock speed or source.
	clock bool
}

type config struct {
	xoscHz           uint32
	xoscStartupPolls uint64
	muxSwitchPolls   uint64
	pllLockPolls     uint64
	warm             bool
	xoscNeverStable  bool
	stuckMux         map[rp2.Domain]bool
	pllNeverLocks    map[string]bool
	otp              map[uint32]uint16
}

// Option configures a Chip.
type Option func(*config)

// WithXOSCHz sets the crystal frequency. The default is 12 MHz.
func WithXOSCHz(hz uint32) Option {
	return func(c *config) { c.xoscHz = hz }
}

// WithXOSCStartupPolls sets how many STATUS reads after enable it takes the
// oscillator to report stable.
func WithXOSCStartupPolls(n uint64) Option {
	return func(c *config) { c.xoscStartupPolls = n }
}

// WithMuxSwitchPolls sets how many SELECTED reads a glitchless mux takes to
// switch.
func WithMuxSwitchPolls(n uint64) Option {
	return func(c *config) { c.muxSwitchPolls = n }
}

// WithPLLLockPolls sets how many CS reads a powered-up PLL takes to lock.
func WithPLLLockPolls(n uint64) Option {
	return func(c *config) { c.pllLockPolls = n }
}

// WithWarmStart starts the model as a previous boot stage would leave it:
// crystal running, both PLLs locked, clk_sys on pll_sys and clk_ref on the
// crystal.
func WithWarmStart() Option {
	return func(c *config) { c.warm = true }
}

// WithXOSCNeverStable makes the oscillator never report stable.
func WithXOSCNeverStable() Option {
	return func(c *config) { c.xoscNeverStable = true }
}

// WithStuckMux makes the glitchless mux of d ignore source changes.
func WithStuckMux(d rp2.Domain) Option {
	return func(c *config) { c.stuckMux[d] = true }
}

// WithPLLNeverLocks makes the named PLL ("sys" or "usb") never lock.
func WithPLLNeverLocks(name string) Option {
	return func(c *config) { c.pllNeverLocks[name] = true }
}

// WithOTPRow sets the value of one OTP row.
func WithOTPRow(row uint32, v uint16) Option {
	return func(c *config) { c.otp[row] = v }
}

// Chip is the model. All methods are safe for concurrent use.
type Chip struct {
	mu      sync.Mutex
	target  *rp2.Target
	cfg     config
	seq     uint64
	phase   string
	hooks   []Hook
	regs    map[uint32]*register
	aliased map[uint32]bool

	xosc   *xosc
	plls   []*pll
	clk    [rp2.NumDomains]*clock
	ticks  []*tick
	resets *register

	guards       int
	guardMissing bool
	delayed      uint64
	violations   []Violation
}

// New builds a model of target t.
func New(t *rp2.Target, opts ...Option) *Chip {
	cfg := config{
		xoscHz:           12000000,
		xoscStartupPolls: 3,
		muxSwitchPolls:   1,
		pllLockPolls:     4,
		stuckMux:         map[rp2.Domain]bool{},
		pllNeverLocks:    map[string]bool{},
		otp:              map[uint32]uint16{},
	}
	for _, o := range opts {
		o(&cfg)
	}
	c := &Chip{
		target:  t,
		cfg:     cfg,
		regs:    map[uint32]*register{},
		aliased: map[uint32]bool{},
	}
	c.build()
	if cfg.warm {
		c.warmStart()
	}
	return c
}

func (c *Chip) add(addr uint32, name string, reset uint32) *register {
	r := &register{name: name, val: reset}
	c.regs[addr] = r
	return r
}

func (c *Chip) build() {
	t := c.target
	for _, b := range []uint32{rp2.SYSINFO_BASE, t.ClocksBase, t.ResetsBase, t.XOSCBase, t.PLLSysBase, t.PLLUSBBase, t.WatchdogBase, t.TicksBase, t.QMIBase} {
		if b != 0 {
			c.aliased[b] = true
		}
	}

	id := c.add(rp2.SYSINFO_BASE+rp2.SYSINFO_CHIP_ID, "sysinfo.chip_id", 1<<28|t.PartID<<rp2.CHIP_ID_PART_LSB|rp2.CHIP_ID_MANUFACTURER)
	id.write = func(r *register, old uint32) { r.val = old }

	c.resets = c.add(t.ResetsBase+rp2.RESETS_RESET, "resets.reset", t.ResetPLLSys|t.ResetPLLUSB)
	c.resets.clock = true
	c.resets.write = c.resetsWritten
	done := c.add(t.ResetsBase+rp2.RESETS_RESET_DONE, "resets.reset_done", 0)
	done.read = func(*register) uint32 { return ^c.resets.val }

	c.buildXOSC()
	c.plls = []*pll{
		c.buildPLL("sys", t.PLLSysBase, t.ResetPLLSys),
		c.buildPLL("usb", t.PLLUSBBase, t.ResetPLLUSB),
	}
	c.buildClocks()
	c.buildTicks()

	if t.QMIBase != 0 {
		g := c.add(t.QMIBase+rp2.QMI_M0_TIMING, "qmi.m0_timing", 0)
		g.write = c.guardWritten
	}
	if t.SSIBase != 0 {
		c.add(t.SSIBase+rp2.SSI_SSIENR, "ssi.ssienr", 1)
		g := c.add(t.SSIBase+rp2.SSI_BAUDR, "ssi.baudr", 4)
		g.write = c.guardWritten
		c.add(t.SSIBase+rp2.SSI_RX_SAMPLE_DLY, "ssi.rx_sample_dly", 1)
	}
}

func (c *Chip) decode(addr uint32) (uint32, string) {
	if !c.aliased[addr&^(rp2.REG_ALIAS_SPAN-1)] {
		return addr, ""
	}
	raw := addr &^ rp2.REG_ALIAS_BITS
	switch addr & rp2.REG_ALIAS_BITS {
	case rp2.REG_ALIAS_XOR:
		return raw, "xor"
	case rp2.REG_ALIAS_SET:
		return raw, "set"
	case rp2.REG_ALIAS_CLR:
		return raw, "clr"
	}
	return raw, ""
}

func (c *Chip) name(raw uint32) string {
	if r, ok := c.regs[raw]; ok {
		return r.name
	}
	if c.inOTP(raw) {
		return fmt.Sprintf("otp.row%03x", (raw-c.target.OTPBase)/2)
	}
	return ""
}

func (c *Chip) inOTP(raw uint32) bool {
	b := c.target.OTPBase
	return b != 0 && raw >= b && raw < b+rp2.OTP_DATA_SIZE
}

func (c *Chip) access(op trace.Op, addr, v uint32, raw uint32, alias string) trace.Access {
	c.seq++
	return trace.Access{
		Seq:   c.seq,
		Op:    op,
		Addr:  addr,
		Value: v,
		Alias: alias,
		Reg:   c.name(raw),
		Phase: c.phase,
	}
}

func (c *Chip) Read32(addr uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, alias := c.decode(addr)
	var v uint32
	if r, ok := c.regs[raw]; ok {
		if r.read != nil {
			v = r.read(r)
		} else {
			v = r.val
		}
	} else if c.inOTP(raw) {
		row := (raw - c.target.OTPBase) / 2
		v = uint32(c.cfg.otp[row]) | uint32(c.cfg.otp[row+1])<<16
	}
	c.invokeHook(HookCtx{Domain: c, Pos: HookPosRead, Item: c.access(trace.OpRead, addr, v, raw, alias)})
	return v
}

func (c *Chip) Write32(addr uint32, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, alias := c.decode(addr)
	c.invokeHook(HookCtx{Domain: c, Pos: HookPosWrite, Item: c.access(trace.OpWrite, addr, v, raw, alias)})
	r, ok := c.regs[raw]
	if !ok {
		// Unmodelled registers and OTP swallow writes.
		return
	}
	old := r.val
	switch alias {
	case "xor":
		r.val = old ^ v
	case "set":
		r.val = old | v
	case "clr":
		r.val = old &^ v
	default:
		r.val = v
	}
	if r.clock && c.guards == 0 && !c.guardMissing {
		c.guardMissing = true
		c.violate(RuleGuardMissing, "%s written before the memory interface timing was widened", r.name)
	}
	if r.write != nil {
		r.write(r, old)
	}
}

// DelayCycles implements rp2.Delayer. The model has no notion of time, so the
// delay is only counted.
func (c *Chip) DelayCycles(n uint32) {
	c.mu.Lock()
	c.delayed += uint64(n)
	c.mu.Unlock()
}

// SetPhase labels subsequent trace accesses.
func (c *Chip) SetPhase(p string) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Chip) Target() *rp2.Target {
	return c.target
}

// Frequency is the frequency domain d actually runs at, going by the muxes
// and dividers as they stand.
func (c *Chip) Frequency(d rp2.Domain) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domainHz(d)
}

// PLLOutputHz is the output of the named PLL, 0 unless locked with its post
// dividers powered.
func (c *Chip) PLLOutputHz(name string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.plls {
		if p.name == name {
			return p.outputHz(c.cfg.xoscHz)
		}
	}
	return 0
}

// TickState describes one tick generator.
type TickState struct {
	Name    string
	Enabled bool
	Running bool
	Cycles  uint32
}

func (c *Chip) Ticks() []TickState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ts []TickState
	for _, tk := range c.ticks {
		en := tk.ctrl.val&tk.enable != 0
		ts = append(ts, TickState{
			Name:    tk.name,
			Enabled: en,
			Running: en && c.domainHz(rp2.DomainRef) > 0,
			Cycles:  tk.cycles.val & rp2.TICKS_CYCLES_BITS,
		})
	}
	return ts
}

// XOSCStatusReads counts STATUS reads since the oscillator was last enabled.
func (c *Chip) XOSCStatusReads() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xosc.reads
}

// GuardApplications counts writes of the memory interface timing.
func (c *Chip) GuardApplications() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guards
}

// DelayedCycles is the sum of all DelayCycles calls.
func (c *Chip) DelayedCycles() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayed
}
