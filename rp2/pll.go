package rp2

import (
	"errors"
	"fmt"
)

const (
	PLL_CS        = 0x0
	PLL_PWR       = 0x4
	PLL_FBDIV_INT = 0x8
	PLL_PRIM      = 0xc

	PLL_CS_LOCK        = 1 << 31
	PLL_CS_BYPASS      = 1 << 8
	PLL_CS_REFDIV_BITS = 0x3f

	PLL_PWR_PD        = 1 << 0
	PLL_PWR_DSMPD     = 1 << 2
	PLL_PWR_POSTDIVPD = 1 << 3
	PLL_PWR_VCOPD     = 1 << 5

	PLL_PRIM_POSTDIV1_LSB = 16
	PLL_PRIM_POSTDIV2_LSB = 12

	PLL_FBDIV_MIN   = 16
	PLL_FBDIV_MAX   = 320
	PLL_POSTDIV_MIN = 1
	PLL_POSTDIV_MAX = 7

	// VCO lock range, the same on RP2040 and RP2350.
	PLL_VCO_MIN_HZ = 750000000
	PLL_VCO_MAX_HZ = 1600000000
)

var ErrInvalidPLL = errors.New("invalid PLL parameters")

// PLLParams are the divider settings for one PLL. Output frequency is
// VCOHz / (PostDiv1 * PostDiv2).
type PLLParams struct {
	RefDiv   uint32
	VCOHz    uint32
	PostDiv1 uint32
	PostDiv2 uint32
}

// OutputHz is what the PLL produces once locked with these settings.
func (pp PLLParams) OutputHz() uint32 {
	if pp.PostDiv1 == 0 || pp.PostDiv2 == 0 {
		return 0
	}
	return pp.VCOHz / (pp.PostDiv1 * pp.PostDiv2)
}

// FBDiv returns the feedback divider needed to reach VCOHz from an xoscHz
// crystal, checking it and the other dividers against what the hardware takes.
// VCOHz must be an exact multiple of the reference and inside the lock range.
func (pp PLLParams) FBDiv(xoscHz uint32) (uint32, error) {
	if pp.RefDiv == 0 || pp.RefDiv > PLL_CS_REFDIV_BITS {
		return 0, fmt.Errorf("%w: refdiv %d", ErrInvalidPLL, pp.RefDiv)
	}
	ref := xoscHz / pp.RefDiv
	if ref == 0 {
		return 0, fmt.Errorf("%w: reference %d Hz / %d", ErrInvalidPLL, xoscHz, pp.RefDiv)
	}
	if pp.VCOHz < PLL_VCO_MIN_HZ || pp.VCOHz > PLL_VCO_MAX_HZ {
		return 0, fmt.Errorf("%w: VCO %d Hz outside %d..%d", ErrInvalidPLL, pp.VCOHz, PLL_VCO_MIN_HZ, PLL_VCO_MAX_HZ)
	}
	fb := pp.VCOHz / ref
	if uint64(fb)*uint64(ref) != uint64(pp.VCOHz) {
		return 0, fmt.Errorf("%w: VCO %d Hz isn't a multiple of the %d Hz reference", ErrInvalidPLL, pp.VCOHz, ref)
	}
	if fb < PLL_FBDIV_MIN || fb > PLL_FBDIV_MAX {
		return 0, fmt.Errorf("%w: fbdiv %d for VCO %d Hz", ErrInvalidPLL, fb, pp.VCOHz)
	}
	for _, d := range []uint32{pp.PostDiv1, pp.PostDiv2} {
		if d < PLL_POSTDIV_MIN || d > PLL_POSTDIV_MAX {
			return 0, fmt.Errorf("%w: postdiv %d", ErrInvalidPLL, d)
		}
	}
	return fb, nil
}

// PLL is one of the two PLLs.
type PLL struct {
	name      string
	xoscHz    uint32
	resetMask uint32
	resets    *Resets
	cs        reg
	pwr       reg
	fbdiv     reg
	prim      reg
	p         *poller
	out       uint32
}

func newPLL(bus Bus, name string, base, resetMask uint32, resets *Resets, xoscHz uint32, p *poller) *PLL {
	return &PLL{
		name:      name,
		xoscHz:    xoscHz,
		resetMask: resetMask,
		resets:    resets,
		cs:        reg{bus, base + PLL_CS},
		pwr:       reg{bus, base + PLL_PWR},
		fbdiv:     reg{bus, base + PLL_FBDIV_INT},
		prim:      reg{bus, base + PLL_PRIM},
		p:         p,
	}
}

// Name is "sys" or "usb".
func (pll *PLL) Name() string {
	return pll.name
}

func (pll *PLL) Locked() bool {
	return pll.cs.HasBits(PLL_CS_LOCK)
}

// OutputHz is the frequency recorded by the last successful Configure.
func (pll *PLL) OutputHz() uint32 {
	return pll.out
}

// AuxSource is how clock aux muxes name this PLL's output.
func (pll *PLL) AuxSource() AuxSource {
	if pll.name == "usb" {
		return AuxPLLUSB
	}
	return AuxPLLSys
}

// Programmed reports whether the PLL is already locked with pp, in which case
// Configure won't touch it.
func (pll *PLL) Programmed(pp PLLParams) bool {
	fb, err := pp.FBDiv(pll.xoscHz)
	if err != nil {
		return false
	}
	return pll.programmed(pp.RefDiv, fb, pp.PostDiv1<<PLL_PRIM_POSTDIV1_LSB|pp.PostDiv2<<PLL_PRIM_POSTDIV2_LSB)
}

func (pll *PLL) programmed(refdiv, fb, prim uint32) bool {
	return pll.Locked() &&
		pll.cs.Get()&PLL_CS_REFDIV_BITS == refdiv &&
		pll.fbdiv.Get() == fb &&
		pll.prim.Get()&(0x7<<PLL_PRIM_POSTDIV1_LSB|0x7<<PLL_PRIM_POSTDIV2_LSB) == prim
}

// Configure programs the PLL and waits for lock. Nothing may be running from
// the PLL's output while this happens. A PLL that is already locked with the
// same settings is left alone.
func (pll *PLL) Configure(pp PLLParams) error {
	fb, err := pp.FBDiv(pll.xoscHz)
	if err != nil {
		return fmt.Errorf("pll_%s: %w", pll.name, err)
	}
	prim := pp.PostDiv1<<PLL_PRIM_POSTDIV1_LSB | pp.PostDiv2<<PLL_PRIM_POSTDIV2_LSB
	if pll.programmed(pp.RefDiv, fb, prim) {
		pll.out = pp.OutputHz()
		return nil
	}

	// Reset the PLL so it starts from its power-down state.
	err = pll.resets.Cycle("pll_"+pll.name, pll.resetMask)
	if err != nil {
		return err
	}
	pll.cs.Set(pp.RefDiv)
	pll.fbdiv.Set(fb)
	// Turn on the PLL and its VCO, leave the post dividers off until it locks.
	pll.pwr.ClearBits(PLL_PWR_PD | PLL_PWR_VCOPD)
	err = pll.p.waitFor("pll_"+pll.name+" lock", pll.Locked)
	if err != nil {
		return err
	}
	pll.prim.Set(prim)
	pll.pwr.ClearBits(PLL_PWR_POSTDIVPD)
	pll.out = pp.OutputHz()
	return nil
}
