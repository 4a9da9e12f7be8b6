package rp2

// Bus is a 32-bit view of the target's physical address space. Implementations
// must not reorder or merge accesses: every Read32 and Write32 is one bus cycle.
type Bus interface {
	Read32(addr uint32) uint32
	Write32(addr uint32, val uint32)
}

// Mapper is implemented by buses that need a region made accessible before use.
// Open calls Map for every block of the target.
type Mapper interface {
	Map(base uint32, size uint32) error
}

// Delayer is implemented by buses that can wait for a number of target clock
// cycles without touching the bus. Buses that don't implement it get no delay.
type Delayer interface {
	DelayCycles(n uint32)
}

// Atomic register access aliases. Peripherals on the APB/AHB-lite fabric decode
// these address bits so that a single write XORs, sets or clears bits without a
// read-modify-write. See section 2.1.3 (RP2040) / 2.1.3 (RP2350) of the datasheets.
const (
	REG_ALIAS_RW  = 0x0000
	REG_ALIAS_XOR = 0x1000
	REG_ALIAS_SET = 0x2000
	REG_ALIAS_CLR = 0x3000

	REG_ALIAS_BITS = 0x3000
	REG_ALIAS_SPAN = 0x4000
)

// reg is a single 32-bit register. Handles keep their regs unexported so that
// nothing outside this package can write the hardware behind their back.
type reg struct {
	bus  Bus
	addr uint32
}

func (r reg) Get() uint32 {
	return r.bus.Read32(r.addr)
}

func (r reg) Set(v uint32) {
	r.bus.Write32(r.addr, v)
}

func (r reg) SetBits(m uint32) {
	r.bus.Write32(r.addr|REG_ALIAS_SET, m)
}

func (r reg) ClearBits(m uint32) {
	r.bus.Write32(r.addr|REG_ALIAS_CLR, m)
}

// HasBits reports whether any of the bits in m are set.
func (r reg) HasBits(m uint32) bool {
	return r.Get()&m != 0
}

// WriteMasked replaces the bits selected by mask with those of v. Like the
// SDK's hw_write_masked it reads once and issues a single XOR alias write, so
// bits outside mask never glitch.
func (r reg) WriteMasked(v, mask uint32) {
	r.bus.Write32(r.addr|REG_ALIAS_XOR, (r.Get()^v)&mask)
}

func (r reg) offset(o uint32) reg {
	return reg{r.bus, r.addr + o}
}
