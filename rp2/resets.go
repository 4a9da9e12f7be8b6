package rp2

const (
	RESETS_RESET      = 0x0
	RESETS_WDSEL      = 0x4
	RESETS_RESET_DONE = 0x8
)

// Resets is the subsystem reset controller. Only the PLL resets are used here.
type Resets struct {
	reset reg
	done  reg
	p     *poller
}

func newResets(bus Bus, base uint32, p *poller) *Resets {
	return &Resets{
		reset: reg{bus, base + RESETS_RESET},
		done:  reg{bus, base + RESETS_RESET_DONE},
		p:     p,
	}
}

// Cycle puts the blocks in mask into reset, takes them out again and waits
// until all of them report RESET_DONE.
func (r *Resets) Cycle(what string, mask uint32) error {
	r.reset.SetBits(mask)
	r.reset.ClearBits(mask)
	return r.p.waitFor(what+" out of reset", func() bool {
		return r.done.Get()&mask == mask
	})
}
