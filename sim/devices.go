package sim

import "github.com/Jon-Bright/clkseq/rp2"

type xosc struct {
	ctrl    *register
	enabled bool
	stable  bool
	reads   uint64
}

func (c *Chip) buildXOSC() {
	b := c.target.XOSCBase
	x := &xosc{}
	x.ctrl = c.add(b+rp2.XOSC_CTRL, "xosc.ctrl", 0)
	x.ctrl.clock = true
	x.ctrl.write = func(r *register, old uint32) {
		switch (r.val & rp2.XOSC_CTRL_ENABLE_BITS) >> rp2.XOSC_CTRL_ENABLE_LSB {
		case rp2.XOSC_CTRL_ENABLE_VALUE:
			if !x.enabled {
				x.enabled = true
				x.reads = 0
			}
		case rp2.XOSC_CTRL_DISABLE_VALUE:
			x.enabled = false
			x.stable = false
		}
	}
	st := c.add(b+rp2.XOSC_STATUS, "xosc.status", 0)
	st.read = func(*register) uint32 {
		if !x.enabled {
			return 0
		}
		if !x.stable {
			x.reads++
			if c.cfg.xoscNeverStable || x.reads < c.cfg.xoscStartupPolls {
				return 0
			}
			x.stable = true
		}
		return rp2.XOSC_STATUS_STABLE
	}
	su := c.add(b+rp2.XOSC_STARTUP, "xosc.startup", 0xc4)
	su.clock = true
	c.xosc = x
}

type pll struct {
	name      string
	resetMask uint32
	cs        *register
	pwr       *register
	fbdiv     *register
	prim      *register
	locked    bool
	lockReads uint64
}

const (
	pllCSReset   = 1
	pllPWRReset  = rp2.PLL_PWR_PD | rp2.PLL_PWR_DSMPD | rp2.PLL_PWR_POSTDIVPD | rp2.PLL_PWR_VCOPD
	pllPRIMReset = 7<<rp2.PLL_PRIM_POSTDIV1_LSB | 7<<rp2.PLL_PRIM_POSTDIV2_LSB
)

func (c *Chip) buildPLL(name string, b, resetMask uint32) *pll {
	p := &pll{name: name, resetMask: resetMask}
	n := "pll_" + name
	p.cs = c.add(b+rp2.PLL_CS, n+".cs", pllCSReset)
	p.pwr = c.add(b+rp2.PLL_PWR, n+".pwr", pllPWRReset)
	p.fbdiv = c.add(b+rp2.PLL_FBDIV_INT, n+".fbdiv_int", 0)
	p.prim = c.add(b+rp2.PLL_PRIM, n+".prim", pllPRIMReset)
	for _, r := range []*register{p.cs, p.pwr, p.fbdiv, p.prim} {
		r.clock = true
	}

	p.cs.read = func(r *register) uint32 {
		v := r.val &^ rp2.PLL_CS_LOCK
		if !p.locked && p.powered() && c.resets.val&p.resetMask == 0 {
			p.lockReads++
			if !c.cfg.pllNeverLocks[name] && p.lockReads >= c.cfg.pllLockPolls {
				p.locked = true
			}
		}
		if p.locked {
			v |= rp2.PLL_CS_LOCK
		}
		return v
	}
	unlockOnChange := func(mask uint32) func(*register, uint32) {
		return func(r *register, old uint32) {
			c.checkPLLIdle(p, r.name)
			if (old^r.val)&mask != 0 {
				p.locked = false
				p.lockReads = 0
			}
		}
	}
	p.cs.write = unlockOnChange(rp2.PLL_CS_REFDIV_BITS | rp2.PLL_CS_BYPASS)
	p.fbdiv.write = unlockOnChange(0xfff)
	p.pwr.write = unlockOnChange(rp2.PLL_PWR_PD | rp2.PLL_PWR_VCOPD)
	p.prim.write = func(r *register, old uint32) {
		c.checkPLLIdle(p, r.name)
	}
	return p
}

func (p *pll) powered() bool {
	fb := p.fbdiv.val
	return p.pwr.val&(rp2.PLL_PWR_PD|rp2.PLL_PWR_VCOPD) == 0 &&
		p.cs.val&rp2.PLL_CS_REFDIV_BITS != 0 &&
		fb >= rp2.PLL_FBDIV_MIN && fb <= rp2.PLL_FBDIV_MAX
}

func (p *pll) reset() {
	p.cs.val = pllCSReset
	p.pwr.val = pllPWRReset
	p.fbdiv.val = 0
	p.prim.val = pllPRIMReset
	p.locked = false
	p.lockReads = 0
}

func (p *pll) outputHz(xoscHz uint32) uint32 {
	if !p.locked || p.pwr.val&rp2.PLL_PWR_POSTDIVPD != 0 {
		return 0
	}
	pd1 := (p.prim.val >> rp2.PLL_PRIM_POSTDIV1_LSB) & 7
	pd2 := (p.prim.val >> rp2.PLL_PRIM_POSTDIV2_LSB) & 7
	refdiv := p.cs.val & rp2.PLL_CS_REFDIV_BITS
	if pd1 == 0 || pd2 == 0 || refdiv == 0 {
		return 0
	}
	vco := uint64(xoscHz) / uint64(refdiv) * uint64(p.fbdiv.val)
	return uint32(vco / uint64(pd1*pd2))
}

func (c *Chip) resetsWritten(r *register, old uint32) {
	for _, p := range c.plls {
		if r.val&p.resetMask != 0 && old&p.resetMask == 0 {
			c.checkPLLIdle(p, "reset of pll_"+p.name)
			p.reset()
		}
	}
}

func (c *Chip) guardWritten(r *register, old uint32) {
	c.guards++
	if c.guards > 1 {
		c.violate(RuleGuardRepeated, "%s written again", r.name)
	}
}

type clock struct {
	d         rp2.Domain
	ctrl      *register
	div       *register
	cur       uint32 // SRC actually selected
	want      uint32 // SRC asked for
	countdown uint64
}

func (c *Chip) buildClocks() {
	t := c.target
	c.add(t.ClocksBase+t.ResusCtrl, "clocks.clk_sys_resus_ctrl", 0)
	for d := rp2.Domain(0); d < rp2.NumDomains; d++ {
		b := t.ClocksBase + t.ClockIndex[d]*rp2.CLK_STRIDE
		n := "clocks.clk_" + d.String()
		k := &clock{d: d}
		k.ctrl = c.add(b+rp2.CLK_CTRL, n+".ctrl", 0)
		k.div = c.add(b+rp2.CLK_DIV, n+".div", 1<<t.DivIntLSB)
		k.ctrl.clock = true
		k.div.clock = true
		sel := c.add(b+rp2.CLK_SELECTED, n+".selected", 0)
		if rp2.HasGlitchlessMux(d) {
			k.ctrl.write = func(r *register, old uint32) { c.glitchlessCtrlWritten(k, old) }
			sel.read = func(*register) uint32 { return c.selectedRead(k) }
		} else {
			k.ctrl.write = func(r *register, old uint32) { c.ctrlWritten(k, old) }
			sel.read = func(*register) uint32 { return 1 }
		}
		c.clk[d] = k
	}
}

func auxMask(d rp2.Domain) uint32 {
	if d == rp2.DomainRef {
		return rp2.CLK_REF_CTRL_AUXSRC_BITS
	}
	return rp2.CLK_CTRL_AUXSRC_BITS
}

func srcMask(d rp2.Domain) uint32 {
	if d == rp2.DomainRef {
		return rp2.CLK_REF_CTRL_SRC_BITS
	}
	return rp2.CLK_SYS_CTRL_SRC_BITS
}

// Both glitchless muxes have their aux input on SRC value 1.
const srcAux = 1

func (c *Chip) auxOf(k *clock, ctrl uint32) rp2.AuxSource {
	raw := (ctrl & auxMask(k.d)) >> rp2.CLK_CTRL_AUXSRC_LSB
	return c.target.AuxSourceOf(k.d, raw)
}

func (c *Chip) glitchlessCtrlWritten(k *clock, old uint32) {
	nv := k.ctrl.val
	if (old^nv)&auxMask(k.d) != 0 && (k.cur == srcAux || k.want == srcAux) {
		c.violate(RuleAuxChangedWhileSelected, "clk_%s aux mux changed from %s to %s while selected",
			k.d, c.auxOf(k, old), c.auxOf(k, nv))
	}
	want := nv & srcMask(k.d)
	if want == k.want {
		return
	}
	if want == srcAux && !c.running(c.auxOf(k, nv)) {
		c.violate(RuleAuxNotRunning, "clk_%s switched to %s, which isn't running", k.d, c.auxOf(k, nv))
	}
	if k.d == rp2.DomainRef && want == rp2.CLK_REF_CTRL_SRC_XOSC && !c.xosc.stable {
		c.violate(RuleAuxNotRunning, "clk_ref switched to xosc before it was stable")
	}
	k.want = want
	k.countdown = c.cfg.muxSwitchPolls
}

func (c *Chip) selectedRead(k *clock) uint32 {
	if k.want != k.cur && !c.cfg.stuckMux[k.d] {
		if k.countdown > 0 {
			k.countdown--
		}
		if k.countdown == 0 {
			k.cur = k.want
		}
	}
	return 1 << k.cur
}

func (c *Chip) ctrlWritten(k *clock, old uint32) {
	nv := k.ctrl.val
	if (old^nv)&auxMask(k.d) != 0 && old&rp2.CLK_CTRL_ENABLE != 0 {
		c.violate(RuleAuxChangedWhileSelected, "clk_%s aux mux changed from %s to %s while enabled",
			k.d, c.auxOf(k, old), c.auxOf(k, nv))
	}
	if nv&rp2.CLK_CTRL_ENABLE != 0 && old&rp2.CLK_CTRL_ENABLE == 0 && !c.running(c.auxOf(k, nv)) {
		c.violate(RuleAuxNotRunning, "clk_%s enabled from %s, which isn't running", k.d, c.auxOf(k, nv))
	}
}

func (c *Chip) running(a rp2.AuxSource) bool {
	return c.auxHz(a) != 0
}

func (c *Chip) auxHz(a rp2.AuxSource) uint32 {
	switch a {
	case rp2.AuxPLLSys:
		return c.plls[0].outputHz(c.cfg.xoscHz)
	case rp2.AuxPLLUSB:
		return c.plls[1].outputHz(c.cfg.xoscHz)
	case rp2.AuxClkSys:
		return c.domainHz(rp2.DomainSys)
	case rp2.AuxXOSC:
		if c.xosc.stable {
			return c.cfg.xoscHz
		}
	case rp2.AuxROSC:
		return c.target.ROSCHz
	}
	return 0
}

func (c *Chip) domainHz(d rp2.Domain) uint32 {
	k := c.clk[d]
	var hz uint32
	switch d {
	case rp2.DomainRef:
		switch k.cur {
		case rp2.CLK_REF_CTRL_SRC_ROSC:
			hz = c.target.ROSCHz
		case rp2.CLK_REF_CTRL_SRC_XOSC:
			hz = c.auxHz(rp2.AuxXOSC)
		case srcAux:
			hz = c.auxHz(c.auxOf(k, k.ctrl.val))
		}
	case rp2.DomainSys:
		if k.cur == srcAux {
			hz = c.auxHz(c.auxOf(k, k.ctrl.val))
		} else {
			hz = c.domainHz(rp2.DomainRef)
		}
	default:
		if k.ctrl.val&rp2.CLK_CTRL_ENABLE != 0 {
			hz = c.auxHz(c.auxOf(k, k.ctrl.val))
		}
	}
	div := k.div.val >> c.target.DivIntLSB
	if div == 0 {
		return 0
	}
	return hz / div
}

// checkPLLIdle flags a write to p while a glitchless mux has its output
// selected or an enabled aux-only domain runs from it.
func (c *Chip) checkPLLIdle(p *pll, what string) {
	want := rp2.AuxPLLSys
	if p.name == "usb" {
		want = rp2.AuxPLLUSB
	}
	for d, k := range c.clk {
		var inUse bool
		if rp2.HasGlitchlessMux(rp2.Domain(d)) {
			inUse = k.cur == srcAux
		} else {
			inUse = k.ctrl.val&rp2.CLK_CTRL_ENABLE != 0
		}
		if inUse && c.auxOf(k, k.ctrl.val) == want {
			c.violate(RulePLLInUse, "%s while clk_%s runs from pll_%s", what, rp2.Domain(d), p.name)
		}
	}
}

type tick struct {
	name    string
	ctrl    *register
	cycles  *register
	enable  uint32
	running uint32
}

func (c *Chip) buildTicks() {
	t := c.target
	for i, n := range t.Ticks {
		tk := &tick{name: n}
		if t.TicksBase != 0 {
			b := t.TicksBase + uint32(i)*rp2.TICKS_STRIDE
			tk.ctrl = c.add(b+rp2.TICKS_CTRL, "ticks."+n+".ctrl", 0)
			tk.cycles = c.add(b+rp2.TICKS_CYCLES, "ticks."+n+".cycles", 0)
			c.add(b+rp2.TICKS_COUNT, "ticks."+n+".count", 0)
			tk.enable = rp2.TICKS_CTRL_ENABLE
			tk.running = rp2.TICKS_CTRL_RUNNING
		} else {
			tk.ctrl = c.add(t.WatchdogBase+rp2.WATCHDOG_TICK, "watchdog.tick", 0)
			tk.cycles = tk.ctrl
			tk.enable = rp2.WATCHDOG_TICK_ENABLE
			tk.running = rp2.WATCHDOG_TICK_RUNNING
		}
		tk.ctrl.read = func(r *register) uint32 {
			v := r.val &^ tk.running
			if v&tk.enable != 0 && c.domainHz(rp2.DomainRef) > 0 {
				v |= tk.running
			}
			return v
		}
		tk.ctrl.write = func(r *register, old uint32) {
			r.val &^= tk.running
			if r.val&tk.enable == 0 || old&tk.enable != 0 {
				return
			}
			ref := c.domainHz(rp2.DomainRef)
			cyc := tk.cycles.val & rp2.TICKS_CYCLES_BITS
			if ref == 0 || cyc != ref/1000000 {
				c.violate(RuleTickDivisor, "tick %s started with %d cycles, clk_ref runs at %d Hz", n, cyc, ref)
			}
		}
		c.ticks = append(c.ticks, tk)
	}
}

// warmStart puts the model where the boot ROM and a previous program would
// leave it after running the default clock setup.
func (c *Chip) warmStart() {
	t := c.target
	c.xosc.ctrl.val = rp2.XOSC_CTRL_ENABLE_VALUE<<rp2.XOSC_CTRL_ENABLE_LSB | rp2.XOSC_CTRL_FREQ_RANGE_1_15MHZ
	c.xosc.enabled = true
	c.xosc.stable = true
	c.resets.val = 0

	sysPD1 := uint32(6)
	if t.Variant == rp2.VariantRP2350 {
		sysPD1 = 5
	}
	for i, p := range c.plls {
		p.cs.val = 1
		p.pwr.val = 0
		p.locked = true
		if i == 0 {
			p.fbdiv.val = 125
			p.prim.val = sysPD1<<rp2.PLL_PRIM_POSTDIV1_LSB | 2<<rp2.PLL_PRIM_POSTDIV2_LSB
		} else {
			p.fbdiv.val = 100
			p.prim.val = 5<<rp2.PLL_PRIM_POSTDIV1_LSB | 5<<rp2.PLL_PRIM_POSTDIV2_LSB
		}
	}

	ref := c.clk[rp2.DomainRef]
	ref.ctrl.val = rp2.CLK_REF_CTRL_SRC_XOSC
	ref.cur, ref.want = rp2.CLK_REF_CTRL_SRC_XOSC, rp2.CLK_REF_CTRL_SRC_XOSC
	sys := c.clk[rp2.DomainSys]
	sys.ctrl.val = srcAux // aux = pll_sys, encoded as 0
	sys.cur, sys.want = srcAux, srcAux
	for _, d := range []rp2.Domain{rp2.DomainUSB, rp2.DomainADC, rp2.DomainPeri} {
		// pll_usb for usb/adc and clk_sys for peri are all encoded as 0.
		c.clk[d].ctrl.val = rp2.CLK_CTRL_ENABLE
	}
}
