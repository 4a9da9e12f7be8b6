package rp2

import "fmt"

// RP2350 QMI, only window 0 timing.
const (
	QMI_M0_TIMING = 0x0c

	QMI_M0_TIMING_COOLDOWN_LSB = 30
	QMI_M0_TIMING_RXDELAY_LSB  = 8
	QMI_M0_TIMING_CLKDIV_BITS  = 0xff
	QMI_M0_TIMING_RXDELAY_MAX  = 7
	QMI_M0_TIMING_COOLDOWN_MAX = 3
)

// RP2040 XIP SSI.
const (
	SSI_SSIENR        = 0x08
	SSI_BAUDR         = 0x14
	SSI_RX_SAMPLE_DLY = 0xf0
)

// MemTiming is the access timing for the external flash interface.
type MemTiming struct {
	Cooldown uint32 `yaml:"cooldown" mapstructure:"cooldown"`
	RxDelay  uint32 `yaml:"rxdelay" mapstructure:"rxdelay"`
	ClkDiv   uint32 `yaml:"clkdiv" mapstructure:"clkdiv"`
}

// Validate checks t against the field widths of both memory interfaces.
func (t MemTiming) Validate() error {
	if t.ClkDiv == 0 || t.ClkDiv > QMI_M0_TIMING_CLKDIV_BITS || t.ClkDiv%2 != 0 {
		return fmt.Errorf("memory clock divider %d not an even number in 2..254", t.ClkDiv)
	}
	if t.RxDelay > QMI_M0_TIMING_RXDELAY_MAX {
		return fmt.Errorf("memory read delay %d above %d", t.RxDelay, QMI_M0_TIMING_RXDELAY_MAX)
	}
	if t.Cooldown > QMI_M0_TIMING_COOLDOWN_MAX {
		return fmt.Errorf("memory cooldown %d above %d", t.Cooldown, QMI_M0_TIMING_COOLDOWN_MAX)
	}
	return nil
}

// MemoryInterface is whatever sits between the core and the external flash.
type MemoryInterface interface {
	Name() string
	ApplyTiming(t MemTiming)
}

// QMI is the RP2350 QSPI memory interface.
type QMI struct {
	timing reg
}

func newQMI(bus Bus, base uint32) *QMI {
	return &QMI{timing: reg{bus, base + QMI_M0_TIMING}}
}

func (q *QMI) Name() string {
	return "qmi"
}

// ApplyTiming replaces M0_TIMING. Fields not covered by MemTiming go to zero,
// as the boot code does.
func (q *QMI) ApplyTiming(t MemTiming) {
	q.timing.Set(t.Cooldown<<QMI_M0_TIMING_COOLDOWN_LSB |
		t.RxDelay<<QMI_M0_TIMING_RXDELAY_LSB |
		t.ClkDiv)
}

// SSI is the RP2040 XIP SSI. It has no cooldown; the baud rate divider and
// sample delay can only change while it is disabled.
type SSI struct {
	enable    reg
	baud      reg
	sampleDly reg
}

func newSSI(bus Bus, base uint32) *SSI {
	return &SSI{
		enable:    reg{bus, base + SSI_SSIENR},
		baud:      reg{bus, base + SSI_BAUDR},
		sampleDly: reg{bus, base + SSI_RX_SAMPLE_DLY},
	}
}

func (s *SSI) Name() string {
	return "ssi"
}

func (s *SSI) ApplyTiming(t MemTiming) {
	s.enable.Set(0)
	s.baud.Set(t.ClkDiv)
	s.sampleDly.Set(t.RxDelay)
	s.enable.Set(1)
}
