// Package seq runs clock bring-up as a forward-only state machine. Each step
// can only run from the phase the previous step leaves behind, and after a
// failure nothing runs at all: a half-configured clock tree can't be rolled
// back, only reset.
package seq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Jon-Bright/clkseq/internal/logging"
	"github.com/Jon-Bright/clkseq/profile"
	"github.com/Jon-Bright/clkseq/rp2"
)

// Phase is how far bring-up has got.
type Phase int

const (
	Idle Phase = iota
	TimingGuarded
	OscillatorStable
	Quiesced
	PllsConfigured
	DomainsConfigured
	TicksStarted
)

var phaseNames = []string{"Idle", "TimingGuarded", "OscillatorStable", "Quiesced", "PllsConfigured", "DomainsConfigured", "TicksStarted"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

var (
	ErrOutOfOrder       = errors.New("step out of order")
	ErrHalted           = errors.New("sequencer halted by earlier failure")
	ErrPLLInUse         = errors.New("PLL still feeds a glitchless mux")
	ErrRefNotConfigured = errors.New("clk_ref frequency not recorded")
)

// DomainOrder is the order domains are configured in. Every domain's aux input
// is running before the domain is switched to it.
var DomainOrder = []rp2.Domain{rp2.DomainRef, rp2.DomainSys, rp2.DomainUSB, rp2.DomainADC, rp2.DomainPeri}

type Sequencer struct {
	chip    *rp2.Chip
	prof    *profile.Profile
	log     *slog.Logger
	metrics *Metrics
	onPhase func(Phase)

	mu    sync.Mutex
	phase Phase
	err   error
}

type Option func(*Sequencer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// WithPhaseHook calls f every time a phase is entered, Idle included.
func WithPhaseHook(f func(Phase)) Option {
	return func(s *Sequencer) { s.onPhase = f }
}

func New(chip *rp2.Chip, prof *profile.Profile, opts ...Option) *Sequencer {
	s := &Sequencer{
		chip: chip,
		prof: prof,
		log:  logging.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.enter(Idle)
	return s
}

func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err is the failure that halted the sequencer, if any.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sequencer) Chip() *rp2.Chip {
	return s.chip
}

func (s *Sequencer) Profile() *profile.Profile {
	return s.prof
}

func (s *Sequencer) enter(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.phase.Set(float64(p))
	}
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

// step runs f if the sequencer is in phase from and moves it on to the next
// phase if f succeeds.
func (s *Sequencer) step(from Phase, name string, f func() error) error {
	s.mu.Lock()
	phase, halted := s.phase, s.err
	s.mu.Unlock()
	if halted != nil {
		return fmt.Errorf("%w: %w", ErrHalted, halted)
	}
	if phase != from {
		return fmt.Errorf("%w: %s needs phase %s, sequencer is in %s", ErrOutOfOrder, name, from, phase)
	}
	s.log.Debug("step starting", "step", name, "phase", phase)
	err := f()
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.failures.Inc()
		}
		s.log.Error("step failed", "step", name, "phase", phase, "error", err)
		return fmt.Errorf("couldn't %s: %w", name, err)
	}
	s.enter(from + 1)
	s.log.Info("step done", "step", name, "phase", from+1)
	return nil
}

// ApplyConservativeTiming turns off clk_sys resuscitation and slows the flash
// interface down before any clock changes speed.
func (s *Sequencer) ApplyConservativeTiming() error {
	return s.step(Idle, "apply conservative memory timing", func() error {
		s.chip.Clocks.DisableResus()
		s.chip.Memory.ApplyTiming(s.prof.MemoryTiming)
		s.log.Debug("memory timing applied", "interface", s.chip.Memory.Name(),
			"cooldown", s.prof.MemoryTiming.Cooldown,
			"rxdelay", s.prof.MemoryTiming.RxDelay,
			"clkdiv", s.prof.MemoryTiming.ClkDiv)
		return nil
	})
}

func (s *Sequencer) StartExternalOscillator() error {
	return s.step(TimingGuarded, "start crystal oscillator", s.chip.XOSC.Start)
}

// QuiesceMuxes moves clk_sys, then clk_ref, onto their default sources.
func (s *Sequencer) QuiesceMuxes() error {
	return s.step(OscillatorStable, "quiesce glitchless muxes", func() error {
		for _, d := range []rp2.Domain{rp2.DomainSys, rp2.DomainRef} {
			err := s.chip.Clocks.Domain(d).Quiesce()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ConfigurePLLs programs pll_sys then pll_usb. It checks the muxes first:
// neither PLL may be feeding clk_sys or clk_ref while it is reprogrammed.
// Aux-only domains still running from a PLL that needs reprogramming are
// stopped; ConfigureDomains starts them again.
func (s *Sequencer) ConfigurePLLs() error {
	return s.step(Quiesced, "configure PLLs", func() error {
		for _, d := range []rp2.Domain{rp2.DomainSys, rp2.DomainRef} {
			if s.chip.Clocks.Domain(d).OnAux() {
				return fmt.Errorf("clk_%s is on its aux mux: %w", d, ErrPLLInUse)
			}
		}
		for _, p := range []struct {
			pll *rp2.PLL
			cfg profile.PLL
		}{{s.chip.PLLSys, s.prof.PLLSys}, {s.chip.PLLUSB, s.prof.PLLUSB}} {
			pp := p.cfg.Params()
			if !p.pll.Programmed(pp) {
				err := s.releasePLL(p.pll)
				if err != nil {
					return err
				}
			}
			err := p.pll.Configure(pp)
			if err != nil {
				return err
			}
			s.log.Debug("pll locked", "pll", p.pll.Name(), "hz", p.pll.OutputHz())
		}
		return nil
	})
}

// releasePLL stops every aux-only domain running from pll.
func (s *Sequencer) releasePLL(pll *rp2.PLL) error {
	for _, d := range DomainOrder {
		clk := s.chip.Clocks.Domain(d)
		if rp2.HasGlitchlessMux(d) || !clk.Enabled() || clk.AuxInput() != pll.AuxSource() {
			continue
		}
		err := clk.Stop()
		if err != nil {
			return err
		}
		s.log.Debug("domain stopped", "domain", d, "pll", pll.Name())
	}
	return nil
}

func (s *Sequencer) ConfigureDomains() error {
	return s.step(PllsConfigured, "configure clock domains", func() error {
		for _, d := range DomainOrder {
			dom := s.prof.Domains.Get(d)
			err := s.chip.Clocks.Domain(d).Configure(dom.Src, dom.Aux, dom.Hz)
			if err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.domainHz.WithLabelValues(d.String()).Set(float64(dom.Hz))
			}
			s.log.Debug("domain configured", "domain", d, "src", dom.Src, "aux", dom.Aux, "hz", dom.Hz)
		}
		return nil
	})
}

// TickCycles is the tick divisor for a clk_ref of refHz: one tick per
// microsecond, truncated.
func TickCycles(refHz uint32) uint32 {
	return refHz / 1000000
}

func (s *Sequencer) StartAllTickGenerators() error {
	return s.step(DomainsConfigured, "start tick generators", func() error {
		ref := s.chip.Clocks.Domain(rp2.DomainRef).Frequency()
		if ref == 0 {
			return ErrRefNotConfigured
		}
		cycles := TickCycles(ref)
		for _, tk := range s.chip.Ticks {
			err := tk.Start(cycles)
			if err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.tickCycles.WithLabelValues(tk.Name()).Set(float64(cycles))
			}
		}
		s.log.Debug("ticks started", "count", len(s.chip.Ticks), "cycles", cycles)
		return nil
	})
}

// Run performs every remaining step in order.
func (s *Sequencer) Run() error {
	steps := map[Phase]func() error{
		Idle:              s.ApplyConservativeTiming,
		TimingGuarded:     s.StartExternalOscillator,
		OscillatorStable:  s.QuiesceMuxes,
		Quiesced:          s.ConfigurePLLs,
		PllsConfigured:    s.ConfigureDomains,
		DomainsConfigured: s.StartAllTickGenerators,
	}
	for p := s.Phase(); p < TicksStarted; p = s.Phase() {
		err := steps[p]()
		if err != nil {
			return err
		}
	}
	return s.Err()
}

type TickStatus struct {
	Name    string
	Cycles  uint32
	Running bool
}

// Status is a snapshot of the clock tree as the sequencer left it.
type Status struct {
	Phase   Phase
	Err     error
	Domains [rp2.NumDomains]uint32
	Ticks   []TickStatus
}

// Status reads back the tick generators; domain frequencies are the recorded
// ones.
func (s *Sequencer) Status() Status {
	st := Status{Phase: s.Phase(), Err: s.Err()}
	for d := rp2.Domain(0); d < rp2.NumDomains; d++ {
		st.Domains[d] = s.chip.Clocks.Domain(d).Frequency()
	}
	for _, tk := range s.chip.Ticks {
		st.Ticks = append(st.Ticks, TickStatus{Name: tk.Name(), Cycles: tk.Cycles(), Running: tk.Running()})
	}
	return st
}
