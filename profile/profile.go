// Package profile holds the constants a bring-up runs with: crystal, PLL
// dividers, domain sources and the flash interface timing. Profiles are
// YAML files layered on top of a built-in profile for the target.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/Jon-Bright/clkseq/rp2"
)

// PLL is the divider setting for one PLL. VCOHz / (PostDiv1 * PostDiv2) is
// the output frequency.
type PLL struct {
	RefDiv   uint32 `yaml:"refdiv" mapstructure:"refdiv"`
	VCOHz    uint32 `yaml:"vco_hz" mapstructure:"vco_hz"`
	PostDiv1 uint32 `yaml:"postdiv1" mapstructure:"postdiv1"`
	PostDiv2 uint32 `yaml:"postdiv2" mapstructure:"postdiv2"`
}

func (p PLL) Params() rp2.PLLParams {
	return rp2.PLLParams{RefDiv: p.RefDiv, VCOHz: p.VCOHz, PostDiv1: p.PostDiv1, PostDiv2: p.PostDiv2}
}

// Domain says where a clock domain takes its clock from and what frequency
// that gives.
type Domain struct {
	Src rp2.GlitchlessSource `yaml:"src" mapstructure:"src"`
	Aux rp2.AuxSource        `yaml:"aux" mapstructure:"aux"`
	Hz  uint32               `yaml:"hz" mapstructure:"hz"`
}

type Domains struct {
	Ref  Domain `yaml:"ref" mapstructure:"ref"`
	Sys  Domain `yaml:"sys" mapstructure:"sys"`
	USB  Domain `yaml:"usb" mapstructure:"usb"`
	ADC  Domain `yaml:"adc" mapstructure:"adc"`
	Peri Domain `yaml:"peri" mapstructure:"peri"`
}

// Get returns the setting for d.
func (ds *Domains) Get(d rp2.Domain) Domain {
	switch d {
	case rp2.DomainRef:
		return ds.Ref
	case rp2.DomainSys:
		return ds.Sys
	case rp2.DomainUSB:
		return ds.USB
	case rp2.DomainADC:
		return ds.ADC
	}
	return ds.Peri
}

type Profile struct {
	Name            string        `yaml:"name" mapstructure:"name"`
	Target          string        `yaml:"target" mapstructure:"target"`
	XOSCHz          uint32        `yaml:"xosc_hz" mapstructure:"xosc_hz"`
	XOSCStartupMult uint32        `yaml:"xosc_startup_mult" mapstructure:"xosc_startup_mult"`
	MaxPolls        uint64        `yaml:"max_polls" mapstructure:"max_polls"`
	MemoryTiming    rp2.MemTiming `yaml:"memory_timing" mapstructure:"memory_timing"`
	PLLSys          PLL           `yaml:"pll_sys" mapstructure:"pll_sys"`
	PLLUSB          PLL           `yaml:"pll_usb" mapstructure:"pll_usb"`
	Domains         Domains       `yaml:"domains" mapstructure:"domains"`
}

// DefaultMaxPolls bounds every hardware poll of the built-in profiles. Far
// more than any healthy part needs; a profile can set 0 to poll forever.
const DefaultMaxPolls = 1000000

var conservativeTiming = rp2.MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32}

var builtins = map[string]Profile{
	"rp2040": {
		Name:            "rp2040",
		Target:          "rp2040",
		XOSCHz:          12000000,
		XOSCStartupMult: 1,
		MaxPolls:        DefaultMaxPolls,
		MemoryTiming:    conservativeTiming,
		PLLSys:          PLL{RefDiv: 1, VCOHz: 1500000000, PostDiv1: 6, PostDiv2: 2},
		PLLUSB:          PLL{RefDiv: 1, VCOHz: 1200000000, PostDiv1: 5, PostDiv2: 5},
		Domains: Domains{
			Ref:  Domain{Src: rp2.SrcXOSC, Hz: 12000000},
			Sys:  Domain{Src: rp2.SrcAux, Aux: rp2.AuxPLLSys, Hz: 125000000},
			USB:  Domain{Aux: rp2.AuxPLLUSB, Hz: 48000000},
			ADC:  Domain{Aux: rp2.AuxPLLUSB, Hz: 48000000},
			Peri: Domain{Aux: rp2.AuxClkSys, Hz: 125000000},
		},
	},
	"rp2350": {
		Name:            "rp2350",
		Target:          "rp2350",
		XOSCHz:          12000000,
		XOSCStartupMult: 64,
		MaxPolls:        DefaultMaxPolls,
		MemoryTiming:    conservativeTiming,
		PLLSys:          PLL{RefDiv: 1, VCOHz: 1500000000, PostDiv1: 5, PostDiv2: 2},
		PLLUSB:          PLL{RefDiv: 1, VCOHz: 1440000000, PostDiv1: 6, PostDiv2: 5},
		Domains: Domains{
			Ref:  Domain{Src: rp2.SrcXOSC, Hz: 12000000},
			Sys:  Domain{Src: rp2.SrcAux, Aux: rp2.AuxPLLSys, Hz: 150000000},
			USB:  Domain{Aux: rp2.AuxPLLUSB, Hz: 48000000},
			ADC:  Domain{Aux: rp2.AuxPLLUSB, Hz: 48000000},
			Peri: Domain{Aux: rp2.AuxClkSys, Hz: 150000000},
		},
	},
}

// Builtin returns a copy of the named built-in profile.
func Builtin(name string) (*Profile, error) {
	p, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("no built-in profile %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return &p, nil
}

// Names lists the built-in profiles, sorted.
func Names() []string {
	n := maps.Keys(builtins)
	slices.Sort(n)
	return n
}

// Load reads a YAML profile. The file names the built-in profile it starts
// from with "base" (or failing that "target"); only the keys present in the
// file replace the built-in values.
func Load(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read profile: %w", err)
	}
	return Parse(b)
}

// Parse is Load on a byte slice.
func Parse(b []byte) (*Profile, error) {
	var raw map[string]interface{}
	err := yaml.Unmarshal(b, &raw)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse profile: %w", err)
	}
	base, _ := raw["base"].(string)
	delete(raw, "base")
	if base == "" {
		base, _ = raw["target"].(string)
	}
	if base == "" {
		return nil, errors.New("profile names neither base nor target")
	}
	p, err := Builtin(base)
	if err != nil {
		return nil, err
	}
	err = decode(raw, p)
	if err != nil {
		return nil, fmt.Errorf("couldn't decode profile: %w", err)
	}
	return p, nil
}

func decode(in interface{}, p *Profile) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           p,
	})
	if err != nil {
		return err
	}
	return d.Decode(in)
}

// EnvPrefix prefixes the environment variables ApplyEnv looks at.
const EnvPrefix = "CLKSEQ_"

// ApplyEnv overrides scalar settings from the environment: CLKSEQ_XOSC_HZ,
// CLKSEQ_XOSC_STARTUP_MULT, CLKSEQ_MAX_POLLS and CLKSEQ_TARGET.
func (p *Profile) ApplyEnv(lookup func(string) (string, bool)) error {
	raw := map[string]interface{}{}
	for _, k := range []string{"target", "xosc_hz", "xosc_startup_mult", "max_polls"} {
		v, ok := lookup(EnvPrefix + strings.ToUpper(k))
		if ok {
			raw[k] = v
		}
	}
	if len(raw) == 0 {
		return nil
	}
	err := decode(raw, p)
	if err != nil {
		return fmt.Errorf("couldn't apply environment: %w", err)
	}
	return nil
}

// sourceHz works out what frequency a domain gets from the profile's own
// numbers. ok is false where the profile can't say (ring oscillator).
func (p *Profile) sourceHz(d rp2.Domain, dom Domain) (uint32, bool) {
	if rp2.HasGlitchlessMux(d) && dom.Src != rp2.SrcAux {
		if dom.Src == rp2.SrcXOSC {
			return p.XOSCHz, true
		}
		if d == rp2.DomainSys {
			return p.Domains.Ref.Hz, true
		}
		return 0, false
	}
	switch dom.Aux {
	case rp2.AuxPLLSys:
		return p.PLLSys.Params().OutputHz(), true
	case rp2.AuxPLLUSB:
		return p.PLLUSB.Params().OutputHz(), true
	case rp2.AuxClkSys:
		return p.Domains.Sys.Hz, true
	case rp2.AuxXOSC:
		return p.XOSCHz, true
	}
	return 0, false
}

// Validate checks everything that can be checked before touching hardware.
// All problems are reported, joined.
func (p *Profile) Validate() error {
	var errs []error
	t, err := rp2.LookupTarget(p.Target)
	if err != nil {
		return err
	}
	if p.XOSCStartupMult == 0 {
		errs = append(errs, errors.New("xosc_startup_mult must be at least 1"))
	}
	if p.XOSCHz < 1000000 {
		errs = append(errs, fmt.Errorf("xosc_hz %d below 1 MHz", p.XOSCHz))
	}
	err = p.MemoryTiming.Validate()
	if err != nil {
		errs = append(errs, err)
	}
	for _, pll := range []struct {
		name string
		p    PLL
	}{{"pll_sys", p.PLLSys}, {"pll_usb", p.PLLUSB}} {
		_, err = pll.p.Params().FBDiv(p.XOSCHz)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pll.name, err))
		}
	}
	for d := rp2.Domain(0); d < rp2.NumDomains; d++ {
		dom := p.Domains.Get(d)
		_, ok := rp2.SrcValue(d, dom.Src)
		if !ok {
			errs = append(errs, fmt.Errorf("clk_%s can't use source %s", d, dom.Src))
			continue
		}
		if dom.Src == rp2.SrcAux || !rp2.HasGlitchlessMux(d) {
			_, ok = t.AuxValue(d, dom.Aux)
			if !ok {
				errs = append(errs, fmt.Errorf("clk_%s can't take %s on its aux mux", d, dom.Aux))
				continue
			}
		}
		want, known := p.sourceHz(d, dom)
		if known && want != dom.Hz {
			errs = append(errs, fmt.Errorf("clk_%s from %s runs at %d Hz, profile says %d", d, sourceName(dom), want, dom.Hz))
		}
	}
	if ref := p.Domains.Ref.Hz; ref/1000000 == 0 || ref/1000000 > rp2.TICKS_CYCLES_BITS {
		errs = append(errs, fmt.Errorf("clk_ref at %d Hz can't give a 1 MHz tick", ref))
	}
	return errors.Join(errs...)
}

func sourceName(d Domain) string {
	if d.Src == rp2.SrcAux || d.Src == rp2.SrcDefault && d.Aux != rp2.AuxNone {
		return d.Aux.String()
	}
	return d.Src.String()
}

// Summary is a short human-readable description.
func (p *Profile) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (target %s, xosc %s)\n", p.Name, p.Target, MHz(p.XOSCHz))
	fmt.Fprintf(&b, "  pll_sys %s, pll_usb %s\n", MHz(p.PLLSys.Params().OutputHz()), MHz(p.PLLUSB.Params().OutputHz()))
	for d := rp2.Domain(0); d < rp2.NumDomains; d++ {
		dom := p.Domains.Get(d)
		fmt.Fprintf(&b, "  clk_%-4s %-8s %s\n", d, sourceName(dom), MHz(dom.Hz))
	}
	return b.String()
}

// MHz formats hz as megahertz, dropping trailing zeros.
func MHz(hz uint32) string {
	return strconv.FormatFloat(float64(hz)/1e6, 'f', -1, 64) + " MHz"
}
