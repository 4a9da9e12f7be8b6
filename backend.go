package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Jon-Bright/clkseq/profile"
	"github.com/Jon-Bright/clkseq/rp2"
	"github.com/Jon-Bright/clkseq/seq"
	"github.com/Jon-Bright/clkseq/sim"
)

// readProfile resolves name as a profile file if one exists, else as a
// built-in, and applies the environment.
func readProfile(name string) (*profile.Profile, error) {
	var (
		p   *profile.Profile
		err error
	)
	if _, statErr := os.Stat(name); statErr == nil {
		p, err = profile.Load(name)
	} else {
		p, err = profile.Builtin(name)
	}
	if err != nil {
		return nil, err
	}
	err = p.ApplyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func loadProfile(cmd *cobra.Command) (*profile.Profile, error) {
	name, _ := cmd.Flags().GetString("profile")
	p, err := readProfile(name)
	if err != nil {
		return nil, err
	}
	err = p.Validate()
	if err != nil {
		return nil, fmt.Errorf("profile %s is invalid: %w", p.Name, err)
	}
	return p, nil
}

// board is an opened backend with its handles.
type board struct {
	bus   rp2.Bus
	model *sim.Chip // nil unless the backend is sim
	chip  *rp2.Chip
	prof  *profile.Profile
	close func() error
}

type openOpts struct {
	simOpts []sim.Option
	hooks   []sim.Hook // attached to the model before the first access
	metrics *seq.Metrics
}

func openBoard(cmd *cobra.Command, p *profile.Profile, oo openOpts) (*board, error) {
	backend, _ := cmd.Flags().GetString("backend")
	detect, _ := cmd.Flags().GetBool("detect")
	b := &board{prof: p, close: func() error { return nil }}
	switch backend {
	case "sim":
		t, err := rp2.LookupTarget(p.Target)
		if err != nil {
			return nil, err
		}
		opts := []sim.Option{sim.WithXOSCHz(p.XOSCHz)}
		if warm, _ := cmd.Flags().GetBool("sim-warm"); warm {
			opts = append(opts, sim.WithWarmStart())
		}
		if dead, _ := cmd.Flags().GetBool("sim-xosc-dead"); dead {
			opts = append(opts, sim.WithXOSCNeverStable())
		}
		opts = append(opts, oo.simOpts...)
		b.model = sim.New(t, opts...)
		b.bus = b.model
		for _, h := range oo.hooks {
			b.model.AcceptHook(h)
		}
		b.model.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
			if ctx.Pos == sim.HookPosViolation {
				log.Warn("ordering violation", "violation", ctx.Item.(sim.Violation).String())
			}
		}))
	case "devmem":
		path, _ := cmd.Flags().GetString("devmem")
		cpuHz, _ := cmd.Flags().GetUint32("devmem-cpu-hz")
		dm, err := rp2.OpenDevMem(path, cpuHz, log)
		if err != nil {
			return nil, err
		}
		b.bus = dm
		b.close = dm.Close
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	cfg := rp2.Config{
		Target:          p.Target,
		XOSCHz:          p.XOSCHz,
		XOSCStartupMult: p.XOSCStartupMult,
		MaxPolls:        p.MaxPolls,
		OnPoll: func(what string, n uint64) {
			log.Debug("wait done", "what", what, "polls", n)
			if oo.metrics != nil {
				oo.metrics.ObservePoll(what, n)
			}
		},
	}
	if detect {
		cfg.Target = ""
	}
	chip, err := rp2.Open(b.bus, cfg)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("couldn't open %s: %w", backend, err)
	}
	if chip.Target.Name != p.Target {
		b.close()
		return nil, fmt.Errorf("detected %s, but profile %s is for %s", chip.Target.Name, p.Name, p.Target)
	}
	b.chip = chip
	log.Info("board opened", "backend", backend, "target", chip.Target.Name, "memory", chip.Memory.Name())
	return b, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// printStatus writes the clock tree the way `run` reports it.
func printStatus(w io.Writer, st seq.Status) {
	fmt.Fprintf(w, "phase %s\n", st.Phase)
	for _, d := range seq.DomainOrder {
		fmt.Fprintf(w, "clk_%-4s %s\n", d, profile.MHz(st.Domains[d]))
	}
	for _, t := range st.Ticks {
		state := "stopped"
		if t.Running {
			state = "running"
		}
		fmt.Fprintf(w, "tick %-8s %3d cycles %s\n", t.Name, t.Cycles, state)
	}
}

// bringUp runs every bring-up step on b. The sequencer is returned even when a
// step fails so callers can report how far it got.
func bringUp(b *board, opts ...seq.Option) (*seq.Sequencer, error) {
	opts = append([]seq.Option{seq.WithLogger(log)}, opts...)
	s := seq.New(b.chip, b.prof, opts...)
	err := s.Run()
	if err != nil {
		return s, err
	}
	log.Info("clock tree up", "profile", b.prof.Name, "sys", profile.MHz(b.chip.Clocks.Domain(rp2.DomainSys).Frequency()))
	return s, nil
}
