package rp2

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Variant identifies a member of the RP2 family.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantRP2040
	VariantRP2350
)

// Base addresses. See section 2.2 of each datasheet.
const (
	SYSINFO_BASE         = 0x40000000
	SYSINFO_CHIP_ID      = 0x00
	CHIP_ID_MANUFACTURER = 0x927 // Raspberry Pi, bits 11:0 of CHIP_ID
	CHIP_ID_PART_LSB     = 12
	CHIP_ID_PART_BITS    = 0xffff << CHIP_ID_PART_LSB

	RP2040_CLOCKS_BASE   = 0x40008000
	RP2040_RESETS_BASE   = 0x4000c000
	RP2040_XOSC_BASE     = 0x40024000
	RP2040_PLL_SYS_BASE  = 0x40028000
	RP2040_PLL_USB_BASE  = 0x4002c000
	RP2040_WATCHDOG_BASE = 0x40058000
	RP2040_XIP_SSI_BASE  = 0x18000000

	RP2350_CLOCKS_BASE   = 0x40010000
	RP2350_RESETS_BASE   = 0x40020000
	RP2350_XOSC_BASE     = 0x40048000
	RP2350_PLL_SYS_BASE  = 0x40050000
	RP2350_PLL_USB_BASE  = 0x40058000
	RP2350_QMI_BASE      = 0x400d0000
	RP2350_TICKS_BASE    = 0x40108000
	RP2350_OTP_DATA_BASE = 0x40130000

	OTP_DATA_SIZE = 0x2000 // 4096 rows of 16 bits
	SSI_SIZE      = 0x1000
)

type xoscRange struct {
	maxHz uint32
	value uint32
}

// Target describes where a chip variant keeps its clock-related blocks and how
// they differ between variants.
type Target struct {
	Variant Variant
	Name    string
	PartID  uint32

	ClocksBase   uint32
	ResetsBase   uint32
	XOSCBase     uint32
	PLLSysBase   uint32
	PLLUSBBase   uint32
	WatchdogBase uint32 // RP2040 keeps its only tick generator in the watchdog
	TicksBase    uint32 // RP2350 has a dedicated TICKS block
	QMIBase      uint32
	SSIBase      uint32
	OTPBase      uint32

	// ClockIndex maps a domain onto its slot in the CLOCKS register array.
	ClockIndex  [NumDomains]uint32
	NumClocks   uint32
	ResusCtrl   uint32 // offset of CLK_SYS_RESUS_CTRL
	DivIntLSB   uint32 // DIV is 24.8 on RP2040 and 16.16 on RP2350
	ResetPLLSys uint32
	ResetPLLUSB uint32
	ROSCHz      uint32 // nominal, only used by models
	Ticks       []string

	refAux     map[AuxSource]uint32
	xoscRanges []xoscRange
}

var targets = map[string]*Target{
	"rp2040": {
		Variant:      VariantRP2040,
		Name:         "rp2040",
		PartID:       0x0002,
		ClocksBase:   RP2040_CLOCKS_BASE,
		ResetsBase:   RP2040_RESETS_BASE,
		XOSCBase:     RP2040_XOSC_BASE,
		PLLSysBase:   RP2040_PLL_SYS_BASE,
		PLLUSBBase:   RP2040_PLL_USB_BASE,
		WatchdogBase: RP2040_WATCHDOG_BASE,
		SSIBase:      RP2040_XIP_SSI_BASE,
		ClockIndex:   [NumDomains]uint32{DomainRef: 4, DomainSys: 5, DomainPeri: 6, DomainUSB: 7, DomainADC: 8},
		NumClocks:    10,
		ResusCtrl:    0x78,
		DivIntLSB:    8,
		ResetPLLSys:  1 << 12,
		ResetPLLUSB:  1 << 13,
		ROSCHz:       6500000,
		Ticks:        []string{"watchdog"},
		refAux:       map[AuxSource]uint32{AuxPLLUSB: 0},
		xoscRanges:   []xoscRange{{15000000, XOSC_CTRL_FREQ_RANGE_1_15MHZ}},
	},
	"rp2350": {
		Variant:     VariantRP2350,
		Name:        "rp2350",
		PartID:      0x0004,
		ClocksBase:  RP2350_CLOCKS_BASE,
		ResetsBase:  RP2350_RESETS_BASE,
		XOSCBase:    RP2350_XOSC_BASE,
		PLLSysBase:  RP2350_PLL_SYS_BASE,
		PLLUSBBase:  RP2350_PLL_USB_BASE,
		TicksBase:   RP2350_TICKS_BASE,
		QMIBase:     RP2350_QMI_BASE,
		OTPBase:     RP2350_OTP_DATA_BASE,
		ClockIndex:  [NumDomains]uint32{DomainRef: 4, DomainSys: 5, DomainPeri: 6, DomainUSB: 8, DomainADC: 9},
		NumClocks:   10,
		ResusCtrl:   0x84,
		DivIntLSB:   16,
		ResetPLLSys: 1 << 14,
		ResetPLLUSB: 1 << 15,
		ROSCHz:      11000000,
		Ticks:       []string{"proc0", "proc1", "timer0", "timer1", "watchdog", "riscv"},
		refAux:      map[AuxSource]uint32{AuxPLLUSB: 0, AuxPLLSys: 1},
		xoscRanges: []xoscRange{
			{15000000, XOSC_CTRL_FREQ_RANGE_1_15MHZ},
			{30000000, XOSC_CTRL_FREQ_RANGE_10_30MHZ},
			{60000000, XOSC_CTRL_FREQ_RANGE_25_60MHZ},
			{100000000, XOSC_CTRL_FREQ_RANGE_40_100MHZ},
		},
	},
}

// LookupTarget returns the target with the given name ("rp2040", "rp2350").
func LookupTarget(name string) (*Target, error) {
	t, ok := targets[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	return t, nil
}

// TargetNames returns the names LookupTarget accepts, sorted.
func TargetNames() []string {
	n := maps.Keys(targets)
	slices.Sort(n)
	return n
}

// Detect works out which chip is on the other end of bus from SYSINFO.CHIP_ID.
// SYSINFO sits at the same address on every RP2 variant.
func Detect(bus Bus) (*Target, error) {
	id := bus.Read32(SYSINFO_BASE + SYSINFO_CHIP_ID)
	if id&0xfff != CHIP_ID_MANUFACTURER {
		return nil, fmt.Errorf("CHIP_ID %08X doesn't look like an RP2 part", id)
	}
	part := (id & CHIP_ID_PART_BITS) >> CHIP_ID_PART_LSB
	for _, t := range targets {
		if t.PartID == part {
			return t, nil
		}
	}
	return nil, fmt.Errorf("couldn't identify part %04X (CHIP_ID %08X)", part, id)
}

func (t *Target) xoscFreqRange(hz uint32) (uint32, error) {
	if hz < 1000000 {
		return 0, fmt.Errorf("crystal frequency %d Hz below 1 MHz", hz)
	}
	for _, r := range t.xoscRanges {
		if hz <= r.maxHz {
			return r.value, nil
		}
	}
	return 0, fmt.Errorf("crystal frequency %d Hz too high for %s", hz, t.Name)
}

// Config is what Open needs beyond the bus itself.
type Config struct {
	Target          string // empty means Detect
	XOSCHz          uint32
	XOSCStartupMult uint32
	// MaxPolls bounds every status poll; 0 polls forever.
	MaxPolls uint64
	// OnPoll, if set, is told how many polls each wait took.
	OnPoll func(what string, polls uint64)
}

// Chip holds one handle per hardware block involved in clock bring-up. The
// handles are the only way this module touches registers.
type Chip struct {
	Target *Target
	Memory MemoryInterface
	XOSC   *XOSC
	Resets *Resets
	PLLSys *PLL
	PLLUSB *PLL
	Clocks *Clocks
	Ticks  []*Tick
	OTP    *OTP // nil on parts without OTP
}

func regions(t *Target) [][2]uint32 {
	r := [][2]uint32{
		{t.ClocksBase, REG_ALIAS_SPAN},
		{t.ResetsBase, REG_ALIAS_SPAN},
		{t.XOSCBase, REG_ALIAS_SPAN},
		{t.PLLSysBase, REG_ALIAS_SPAN},
		{t.PLLUSBBase, REG_ALIAS_SPAN},
	}
	if t.WatchdogBase != 0 {
		r = append(r, [2]uint32{t.WatchdogBase, REG_ALIAS_SPAN})
	}
	if t.TicksBase != 0 {
		r = append(r, [2]uint32{t.TicksBase, REG_ALIAS_SPAN})
	}
	if t.QMIBase != 0 {
		r = append(r, [2]uint32{t.QMIBase, REG_ALIAS_SPAN})
	}
	if t.SSIBase != 0 {
		r = append(r, [2]uint32{t.SSIBase, SSI_SIZE})
	}
	if t.OTPBase != 0 {
		r = append(r, [2]uint32{t.OTPBase, OTP_DATA_SIZE})
	}
	return r
}

// Open builds the block handles for the chip behind bus. No register is
// written; reads happen only for target detection.
func Open(bus Bus, cfg Config) (*Chip, error) {
	m, mapper := bus.(Mapper)
	var (
		t   *Target
		err error
	)
	if cfg.Target != "" {
		t, err = LookupTarget(cfg.Target)
	} else {
		if mapper {
			err = m.Map(SYSINFO_BASE, 0x1000)
			if err != nil {
				return nil, fmt.Errorf("couldn't map SYSINFO: %w", err)
			}
		}
		t, err = Detect(bus)
	}
	if err != nil {
		return nil, err
	}
	if cfg.XOSCHz == 0 {
		return nil, fmt.Errorf("no crystal frequency configured")
	}
	if cfg.XOSCStartupMult == 0 {
		cfg.XOSCStartupMult = 1
	}
	if mapper {
		for _, r := range regions(t) {
			err = m.Map(r[0], r[1])
			if err != nil {
				return nil, fmt.Errorf("couldn't map %08X+%X: %w", r[0], r[1], err)
			}
		}
	}

	p := &poller{maxPolls: cfg.MaxPolls, observe: cfg.OnPoll}
	c := &Chip{Target: t}
	c.XOSC = newXOSC(bus, t, cfg.XOSCHz, cfg.XOSCStartupMult, p)
	c.Resets = newResets(bus, t.ResetsBase, p)
	c.PLLSys = newPLL(bus, "sys", t.PLLSysBase, t.ResetPLLSys, c.Resets, cfg.XOSCHz, p)
	c.PLLUSB = newPLL(bus, "usb", t.PLLUSBBase, t.ResetPLLUSB, c.Resets, cfg.XOSCHz, p)
	c.Clocks = newClocks(bus, t, p, c.sourceRunning)
	c.Ticks = newTicks(bus, t, p)
	if t.QMIBase != 0 {
		c.Memory = newQMI(bus, t.QMIBase)
	} else {
		c.Memory = newSSI(bus, t.SSIBase)
	}
	if t.OTPBase != 0 {
		c.OTP = &OTP{bus: bus, base: t.OTPBase}
	}
	return c, nil
}

// sourceRunning reports whether an aux mux input is running at a stable
// frequency and may therefore be selected.
func (c *Chip) sourceRunning(a AuxSource) bool {
	switch a {
	case AuxPLLSys:
		return c.PLLSys.Locked()
	case AuxPLLUSB:
		return c.PLLUSB.Locked()
	case AuxClkSys:
		return c.Clocks.Domain(DomainSys).Frequency() != 0
	case AuxXOSC:
		return c.XOSC.Stable()
	case AuxROSC:
		return true
	}
	return false
}
