package rp2

import (
	"errors"
	"fmt"
)

// CLOCKS block layout. Every clock slice has CTRL, DIV and SELECTED registers;
// the slices are packed in an array at the start of the block.
const (
	CLK_CTRL     = 0x0
	CLK_DIV      = 0x4
	CLK_SELECTED = 0x8
	CLK_STRIDE   = 0xc

	CLK_CTRL_ENABLE          = 1 << 11 // not on clk_ref/clk_sys
	CLK_CTRL_KILL            = 1 << 10
	CLK_CTRL_AUXSRC_LSB      = 5
	CLK_CTRL_AUXSRC_BITS     = 0x7 << CLK_CTRL_AUXSRC_LSB
	CLK_REF_CTRL_AUXSRC_BITS = 0x3 << CLK_CTRL_AUXSRC_LSB
	CLK_REF_CTRL_SRC_BITS    = 0x3
	CLK_SYS_CTRL_SRC_BITS    = 0x1

	CLK_REF_CTRL_SRC_ROSC = 0
	CLK_REF_CTRL_SRC_AUX  = 1
	CLK_REF_CTRL_SRC_XOSC = 2
	CLK_SYS_CTRL_SRC_REF  = 0
	CLK_SYS_CTRL_SRC_AUX  = 1
)

var (
	ErrAuxNotRunning   = errors.New("aux source not running")
	ErrNoGlitchlessMux = errors.New("clock has no glitchless mux")
)

// Domain is one of the clock domains the sequencer configures.
type Domain uint8

const (
	DomainRef Domain = iota
	DomainSys
	DomainUSB
	DomainADC
	DomainPeri
	NumDomains
)

var domainNames = [NumDomains]string{"ref", "sys", "usb", "adc", "peri"}

func (d Domain) String() string {
	if d < NumDomains {
		return domainNames[d]
	}
	return fmt.Sprintf("Domain(%d)", d)
}

func ParseDomain(s string) (Domain, error) {
	for i, n := range domainNames {
		if s == n || s == "clk_"+n {
			return Domain(i), nil
		}
	}
	return 0, fmt.Errorf("unknown clock domain %q", s)
}

func (d Domain) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Domain) UnmarshalText(b []byte) error {
	v, err := ParseDomain(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// GlitchlessSource selects the input of a glitchless mux. Only clk_ref and
// clk_sys have one; other domains take SrcDefault, which is a don't-care.
type GlitchlessSource uint8

const (
	SrcDefault GlitchlessSource = iota // clk_ref: ring oscillator, clk_sys: clk_ref
	SrcXOSC                            // clk_ref only
	SrcAux                             // output of the domain's aux mux
)

var srcNames = []string{"default", "xosc", "aux"}

func (s GlitchlessSource) String() string {
	if int(s) < len(srcNames) {
		return srcNames[s]
	}
	return fmt.Sprintf("GlitchlessSource(%d)", s)
}

func (s GlitchlessSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *GlitchlessSource) UnmarshalText(b []byte) error {
	for i, n := range srcNames {
		if string(b) == n {
			*s = GlitchlessSource(i)
			return nil
		}
	}
	return fmt.Errorf("unknown glitchless source %q", b)
}

// AuxSource selects what feeds a domain's auxiliary mux.
type AuxSource uint8

const (
	AuxNone AuxSource = iota
	AuxPLLSys
	AuxPLLUSB
	AuxClkSys
	AuxXOSC
	AuxROSC
)

var auxNames = []string{"none", "pll_sys", "pll_usb", "clk_sys", "xosc", "rosc"}

func (a AuxSource) String() string {
	if int(a) < len(auxNames) {
		return auxNames[a]
	}
	return fmt.Sprintf("AuxSource(%d)", a)
}

func (a AuxSource) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AuxSource) UnmarshalText(b []byte) error {
	for i, n := range auxNames {
		if string(b) == n {
			*a = AuxSource(i)
			return nil
		}
	}
	return fmt.Errorf("unknown aux source %q", b)
}

// AUXSRC field encodings, identical on RP2040 and RP2350 for these domains.
// clk_ref differs between variants and lives in the Target.
var auxValues = map[Domain]map[AuxSource]uint32{
	DomainSys:  {AuxPLLSys: 0, AuxPLLUSB: 1, AuxROSC: 2, AuxXOSC: 3},
	DomainPeri: {AuxClkSys: 0, AuxPLLSys: 1, AuxPLLUSB: 2, AuxROSC: 3, AuxXOSC: 4},
	DomainUSB:  {AuxPLLUSB: 0, AuxPLLSys: 1, AuxROSC: 2, AuxXOSC: 3},
	DomainADC:  {AuxPLLUSB: 0, AuxPLLSys: 1, AuxROSC: 2, AuxXOSC: 3},
}

// AuxValue returns the AUXSRC encoding of a for domain d on target t.
func (t *Target) AuxValue(d Domain, a AuxSource) (uint32, bool) {
	m := auxValues[d]
	if d == DomainRef {
		m = t.refAux
	}
	v, ok := m[a]
	return v, ok
}

// AuxSourceOf is the inverse of AuxValue.
func (t *Target) AuxSourceOf(d Domain, v uint32) AuxSource {
	m := auxValues[d]
	if d == DomainRef {
		m = t.refAux
	}
	for a, av := range m {
		if av == v {
			return a
		}
	}
	return AuxNone
}

// SrcValue returns the SRC field encoding of s for domain d.
func SrcValue(d Domain, s GlitchlessSource) (uint32, bool) {
	switch d {
	case DomainRef:
		switch s {
		case SrcDefault:
			return CLK_REF_CTRL_SRC_ROSC, true
		case SrcAux:
			return CLK_REF_CTRL_SRC_AUX, true
		case SrcXOSC:
			return CLK_REF_CTRL_SRC_XOSC, true
		}
	case DomainSys:
		switch s {
		case SrcDefault:
			return CLK_SYS_CTRL_SRC_REF, true
		case SrcAux:
			return CLK_SYS_CTRL_SRC_AUX, true
		}
	default:
		return 0, s == SrcDefault
	}
	return 0, false
}

// HasGlitchlessMux reports whether domain d has a glitchless mux.
//
// Clock muxing consists of two components: a glitchless mux, which can be
// switched freely but whose inputs must be free-running, and an auxiliary
// mux, whose output glitches when switched but has no constraints on its
// inputs. Only clk_ref and clk_sys have both.
func HasGlitchlessMux(d Domain) bool {
	return d == DomainRef || d == DomainSys
}

// Clocks is the CLOCKS block.
type Clocks struct {
	target  *Target
	bus     Bus
	p       *poller
	resus   reg
	clk     [NumDomains]*Clock
	running func(AuxSource) bool
}

// Clock is one clock domain slice.
type Clock struct {
	domain   Domain
	clocks   *Clocks
	ctrl     reg
	div      reg
	selected reg
	freq     uint32
}

func newClocks(bus Bus, t *Target, p *poller, running func(AuxSource) bool) *Clocks {
	c := &Clocks{
		target:  t,
		bus:     bus,
		p:       p,
		resus:   reg{bus, t.ClocksBase + t.ResusCtrl},
		running: running,
	}
	for d := Domain(0); d < NumDomains; d++ {
		base := reg{bus, t.ClocksBase + t.ClockIndex[d]*CLK_STRIDE}
		c.clk[d] = &Clock{
			domain:   d,
			clocks:   c,
			ctrl:     base.offset(CLK_CTRL),
			div:      base.offset(CLK_DIV),
			selected: base.offset(CLK_SELECTED),
		}
	}
	return c
}

// DisableResus turns off clk_sys resuscitation that previous software may have
// left enabled. It must be off while clk_sys is being moved around.
func (c *Clocks) DisableResus() {
	c.resus.Set(0)
}

func (c *Clocks) Domain(d Domain) *Clock {
	return c.clk[d]
}

func (c *Clocks) delayCycles(n uint32) {
	if d, ok := c.bus.(Delayer); ok {
		d.DelayCycles(n)
	}
}

func (c *Clock) Domain() Domain {
	return c.domain
}

// Frequency returns the frequency recorded by the last Configure, or 0 if the
// domain hasn't been configured (or has been quiesced since).
func (c *Clock) Frequency() uint32 {
	return c.freq
}

func (c *Clock) srcMask() uint32 {
	if c.domain == DomainRef {
		return CLK_REF_CTRL_SRC_BITS
	}
	return CLK_SYS_CTRL_SRC_BITS
}

func (c *Clock) auxMask() uint32 {
	if c.domain == DomainRef {
		return CLK_REF_CTRL_AUXSRC_BITS
	}
	return CLK_CTRL_AUXSRC_BITS
}

// OnAux reports whether a glitchless domain currently has its aux input
// selected, going by the SELECTED register rather than what CTRL asks for.
func (c *Clock) OnAux() bool {
	if !HasGlitchlessMux(c.domain) {
		return false
	}
	// Both glitchless slices put the aux mux on SRC value 1.
	return c.selected.HasBits(1 << CLK_SYS_CTRL_SRC_AUX)
}

// Enabled reports whether the domain is running. Glitchless domains can't be
// stopped and always report true.
func (c *Clock) Enabled() bool {
	if HasGlitchlessMux(c.domain) {
		return true
	}
	return c.ctrl.HasBits(CLK_CTRL_ENABLE)
}

// AuxInput reads back what the domain's aux mux selects.
func (c *Clock) AuxInput() AuxSource {
	v := (c.ctrl.Get() & c.auxMask()) >> CLK_CTRL_AUXSRC_LSB
	return c.clocks.target.AuxSourceOf(c.domain, v)
}

// Stop gates off a domain without a glitchless mux so that its aux input can
// change underneath it.
func (c *Clock) Stop() error {
	if HasGlitchlessMux(c.domain) {
		return fmt.Errorf("clk_%s can't be stopped, quiesce it instead", c.domain)
	}
	c.stop()
	c.freq = 0
	return nil
}

// stop clears ENABLE and gives it 3 cycles of the old clock to propagate.
func (c *Clock) stop() {
	c.ctrl.ClearBits(CLK_CTRL_ENABLE)
	if c.freq > 0 {
		sys := c.clocks.Domain(DomainSys).freq
		c.clocks.delayCycles((sys/c.freq + 1) * 3)
	}
}

// Quiesce switches a glitchless domain back to its default input (ring
// oscillator for clk_ref, clk_ref for clk_sys) and waits until the mux
// reports the switch. Calling it again is harmless.
func (c *Clock) Quiesce() error {
	if !HasGlitchlessMux(c.domain) {
		return fmt.Errorf("clk_%s: %w", c.domain, ErrNoGlitchlessMux)
	}
	c.ctrl.ClearBits(c.srcMask())
	err := c.clocks.p.waitFor("clk_"+c.domain.String()+" default source", func() bool {
		return c.selected.Get() == 1
	})
	if err != nil {
		return err
	}
	c.freq = 0
	return nil
}

// Configure selects src on the glitchless mux (if the domain has one) and aux
// on the aux mux, leaves the divider at 1 and records hz as the domain's
// frequency. The aux input must already be running.
func (c *Clock) Configure(src GlitchlessSource, aux AuxSource, hz uint32) error {
	t := c.clocks.target
	srcVal, ok := SrcValue(c.domain, src)
	if !ok {
		return fmt.Errorf("clk_%s has no %s source", c.domain, src)
	}
	glitchless := HasGlitchlessMux(c.domain)
	usesAux := src == SrcAux || !glitchless
	var auxVal uint32
	if aux != AuxNone {
		auxVal, ok = t.AuxValue(c.domain, aux)
		if !ok {
			return fmt.Errorf("clk_%s can't take %s on its aux mux", c.domain, aux)
		}
	} else if usesAux {
		return fmt.Errorf("clk_%s needs an aux source", c.domain)
	}
	if usesAux && !c.clocks.running(aux) {
		return fmt.Errorf("clk_%s from %s: %w", c.domain, aux, ErrAuxNotRunning)
	}
	if src == SrcXOSC && !c.clocks.running(AuxXOSC) {
		return fmt.Errorf("clk_%s from xosc: %w", c.domain, ErrAuxNotRunning)
	}

	if glitchless {
		// Never touch the aux mux while it's feeding the glitchless mux.
		if src == SrcAux || c.OnAux() {
			err := c.Quiesce()
			if err != nil {
				return err
			}
		}
	} else {
		// No glitchless mux, so stop the clock cleanly before changing the aux
		// mux.
		c.stop()
	}

	c.ctrl.WriteMasked(auxVal<<CLK_CTRL_AUXSRC_LSB, c.auxMask())
	if glitchless {
		c.ctrl.WriteMasked(srcVal, c.srcMask())
		err := c.clocks.p.waitFor(fmt.Sprintf("clk_%s source %s", c.domain, src), func() bool {
			return c.selected.HasBits(1 << srcVal)
		})
		if err != nil {
			return err
		}
	} else {
		c.ctrl.SetBits(CLK_CTRL_ENABLE)
	}

	c.div.Set(1 << t.DivIntLSB)
	c.freq = hz
	return nil
}
