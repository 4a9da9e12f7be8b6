package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Jon-Bright/clkseq/rp2"
	"github.com/Jon-Bright/clkseq/trace"
)

func open(c *Chip) *rp2.Chip {
	h, err := rp2.Open(c, rp2.Config{
		Target:   c.Target().Name,
		XOSCHz:   12000000,
		MaxPolls: 50,
	})
	Expect(err).NotTo(HaveOccurred())
	return h
}

func target(name string) *rp2.Target {
	t, err := rp2.LookupTarget(name)
	Expect(err).NotTo(HaveOccurred())
	return t
}

var _ = Describe("Bus", func() {
	var c *Chip

	BeforeEach(func() {
		c = New(target("rp2040"))
	})

	It("should answer CHIP_ID so the part can be detected", func() {
		t, err := rp2.Detect(c)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Name).To(Equal("rp2040"))
	})

	It("should decode the atomic aliases", func() {
		addr := uint32(rp2.RP2040_CLOCKS_BASE + rp2.CLK_DIV + 6*rp2.CLK_STRIDE)
		c.Write32(addr, 0x100)
		c.Write32(addr|rp2.REG_ALIAS_SET, 0x0f)
		Expect(c.Read32(addr)).To(Equal(uint32(0x10f)))
		c.Write32(addr|rp2.REG_ALIAS_CLR, 0x03)
		Expect(c.Read32(addr)).To(Equal(uint32(0x10c)))
		c.Write32(addr|rp2.REG_ALIAS_XOR, 0x101)
		Expect(c.Read32(addr)).To(Equal(uint32(0x00d)))
	})

	It("should not decode aliases in the XIP SSI", func() {
		c.Write32(rp2.RP2040_XIP_SSI_BASE+0x3000, 5)
		Expect(c.Read32(rp2.RP2040_XIP_SSI_BASE + rp2.SSI_SSIENR)).To(Equal(uint32(1)))
	})

	It("should record every access", func() {
		var b trace.Buffer
		c.AcceptHook(NewRecorder(&b))
		c.SetPhase("Idle")
		c.Write32(rp2.RP2040_CLOCKS_BASE+0x78, 0)
		c.Read32(rp2.SYSINFO_BASE)

		as := b.Accesses()
		Expect(as).To(HaveLen(2))
		Expect(as[0].Op).To(Equal(trace.OpWrite))
		Expect(as[0].Reg).To(Equal("clocks.clk_sys_resus_ctrl"))
		Expect(as[0].Phase).To(Equal("Idle"))
		Expect(as[1].Seq).To(Equal(uint64(2)))
		Expect(as[1].Reg).To(Equal("sysinfo.chip_id"))
	})

	It("should count delays", func() {
		c.DelayCycles(9)
		c.DelayCycles(3)
		Expect(c.DelayedCycles()).To(Equal(uint64(12)))
	})
})

var _ = Describe("Crystal oscillator", func() {
	It("should become stable after the configured number of polls", func() {
		c := New(target("rp2040"), WithXOSCStartupPolls(5))
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{RxDelay: 4, ClkDiv: 32})

		Expect(h.XOSC.Start()).To(Succeed())
		Expect(c.XOSCStatusReads()).To(Equal(uint64(5)))
		Expect(h.XOSC.Stable()).To(BeTrue())
	})

	It("should keep being polled when it never stabilises", func() {
		c := New(target("rp2350"), WithXOSCNeverStable())
		h := open(c)

		err := h.XOSC.Start()

		Expect(err).To(MatchError(rp2.ErrStabilizationTimeout))
		Expect(c.XOSCStatusReads()).To(Equal(uint64(50)))
	})
})

var _ = Describe("PLL", func() {
	It("should lock and produce its output frequency", func() {
		c := New(target("rp2040"), WithPLLLockPolls(7))
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{RxDelay: 4, ClkDiv: 32})

		Expect(h.PLLUSB.Configure(rp2.PLLParams{RefDiv: 1, VCOHz: 1200000000, PostDiv1: 5, PostDiv2: 5})).To(Succeed())

		Expect(c.PLLOutputHz("usb")).To(Equal(uint32(48000000)))
		Expect(c.PLLOutputHz("sys")).To(BeZero())
		Expect(c.Violations()).To(BeEmpty())
	})

	It("should time out on a PLL that never locks", func() {
		c := New(target("rp2040"), WithPLLNeverLocks("sys"))
		h := open(c)

		err := h.PLLSys.Configure(rp2.PLLParams{RefDiv: 1, VCOHz: 1500000000, PostDiv1: 6, PostDiv2: 2})

		Expect(err).To(MatchError(rp2.ErrStabilizationTimeout))
	})

	It("should flag reprogramming a PLL that clk_sys runs from", func() {
		c := New(target("rp2040"), WithWarmStart())
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{RxDelay: 4, ClkDiv: 32})

		Expect(h.PLLSys.Configure(rp2.PLLParams{RefDiv: 1, VCOHz: 1200000000, PostDiv1: 6, PostDiv2: 2})).To(Succeed())

		Expect(c.HasViolation(RulePLLInUse)).To(BeTrue())
	})

	It("should not flag the same PLL once clk_sys is quiesced", func() {
		c := New(target("rp2040"), WithWarmStart())
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{RxDelay: 4, ClkDiv: 32})

		Expect(h.Clocks.Domain(rp2.DomainSys).Quiesce()).To(Succeed())
		Expect(h.PLLSys.Configure(rp2.PLLParams{RefDiv: 1, VCOHz: 1200000000, PostDiv1: 6, PostDiv2: 2})).To(Succeed())

		Expect(c.Violations()).To(BeEmpty())
		Expect(c.Frequency(rp2.DomainSys)).To(Equal(uint32(12000000)))
	})

	It("should flag reprogramming a PLL that an enabled clk_usb runs from", func() {
		c := New(target("rp2350"), WithWarmStart())
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32})

		Expect(h.PLLUSB.Configure(rp2.PLLParams{RefDiv: 1, VCOHz: 1440000000, PostDiv1: 6, PostDiv2: 5})).To(Succeed())

		Expect(c.HasViolation(RulePLLInUse)).To(BeTrue())
		Expect(c.Violations()[0].Detail).To(ContainSubstring("clk_usb runs from pll_usb"))
	})

	It("should not flag the same PLL once clk_usb and clk_adc are stopped", func() {
		c := New(target("rp2350"), WithWarmStart())
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32})

		Expect(h.Clocks.Domain(rp2.DomainUSB).Stop()).To(Succeed())
		Expect(h.Clocks.Domain(rp2.DomainADC).Stop()).To(Succeed())
		Expect(h.PLLUSB.Configure(rp2.PLLParams{RefDiv: 1, VCOHz: 1440000000, PostDiv1: 6, PostDiv2: 5})).To(Succeed())

		Expect(c.Violations()).To(BeEmpty())
		Expect(c.Frequency(rp2.DomainUSB)).To(BeZero())
		Expect(c.PLLOutputHz("usb")).To(Equal(uint32(48000000)))
	})
})

var _ = Describe("Clocks", func() {
	It("should come up warm the way the boot code leaves it", func() {
		c := New(target("rp2040"), WithWarmStart())
		Expect(c.Frequency(rp2.DomainRef)).To(Equal(uint32(12000000)))
		Expect(c.Frequency(rp2.DomainSys)).To(Equal(uint32(125000000)))
		Expect(c.Frequency(rp2.DomainUSB)).To(Equal(uint32(48000000)))
		Expect(c.Frequency(rp2.DomainPeri)).To(Equal(uint32(125000000)))
	})

	It("should run cold from the ring oscillator", func() {
		c := New(target("rp2350"))
		Expect(c.Frequency(rp2.DomainSys)).To(Equal(c.Target().ROSCHz))
		Expect(c.Frequency(rp2.DomainADC)).To(BeZero())
	})

	It("should time out on a stuck glitchless mux", func() {
		c := New(target("rp2040"), WithWarmStart(), WithStuckMux(rp2.DomainSys))
		h := open(c)
		err := h.Clocks.Domain(rp2.DomainSys).Quiesce()
		Expect(err).To(MatchError(rp2.ErrStabilizationTimeout))
	})

	It("should switch after the configured number of polls", func() {
		c := New(target("rp2040"), WithWarmStart(), WithMuxSwitchPolls(3))
		var polls uint64
		h, err := rp2.Open(c, rp2.Config{
			Target: "rp2040",
			XOSCHz: 12000000,
			OnPoll: func(what string, n uint64) { polls = n },
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Clocks.Domain(rp2.DomainRef).Quiesce()).To(Succeed())
		Expect(polls).To(Equal(uint64(3)))
	})

	It("should flag changing the aux mux under a running clock", func() {
		c := New(target("rp2040"), WithWarmStart())
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{RxDelay: 4, ClkDiv: 32})
		sysCtrl := uint32(rp2.RP2040_CLOCKS_BASE + 5*rp2.CLK_STRIDE)

		c.Write32(sysCtrl|rp2.REG_ALIAS_SET, 1<<rp2.CLK_CTRL_AUXSRC_LSB)

		Expect(c.HasViolation(RuleAuxChangedWhileSelected)).To(BeTrue())
	})

	It("should flag selecting a stopped PLL", func() {
		c := New(target("rp2040"))
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{RxDelay: 4, ClkDiv: 32})
		sysCtrl := uint32(rp2.RP2040_CLOCKS_BASE + 5*rp2.CLK_STRIDE)

		c.Write32(sysCtrl|rp2.REG_ALIAS_SET, rp2.CLK_SYS_CTRL_SRC_AUX)

		Expect(c.HasViolation(RuleAuxNotRunning)).To(BeTrue())
	})

	It("should flag clock changes made before the timing guard", func() {
		c := New(target("rp2350"))
		h := open(c)
		Expect(h.Clocks.Domain(rp2.DomainSys).Quiesce()).To(Succeed())
		Expect(c.HasViolation(RuleGuardMissing)).To(BeTrue())
	})

	It("should flag a second timing guard", func() {
		c := New(target("rp2350"))
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32})
		h.Memory.ApplyTiming(rp2.MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32})
		Expect(c.GuardApplications()).To(Equal(2))
		Expect(c.HasViolation(RuleGuardRepeated)).To(BeTrue())
	})
})

var _ = Describe("Ticks", func() {
	It("should flag a divisor that doesn't match clk_ref", func() {
		c := New(target("rp2350"), WithWarmStart())
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32})

		Expect(h.Ticks[2].Start(11)).To(Succeed())

		Expect(c.HasViolation(RuleTickDivisor)).To(BeTrue())
		ts := c.Ticks()
		Expect(ts[2].Name).To(Equal("timer0"))
		Expect(ts[2].Running).To(BeTrue())
		Expect(ts[2].Cycles).To(Equal(uint32(11)))
		Expect(ts[0].Enabled).To(BeFalse())
	})

	It("should accept one tick per clk_ref microsecond", func() {
		c := New(target("rp2040"), WithWarmStart())
		h := open(c)
		h.Memory.ApplyTiming(rp2.MemTiming{RxDelay: 4, ClkDiv: 32})

		Expect(h.Ticks[0].Start(12)).To(Succeed())

		Expect(c.Violations()).To(BeEmpty())
		Expect(h.Ticks[0].Running()).To(BeTrue())
		Expect(h.Ticks[0].Cycles()).To(Equal(uint32(12)))
	})
})

var _ = Describe("OTP", func() {
	It("should return pairs of rows", func() {
		c := New(target("rp2350"), WithOTPRow(rp2.OTP_GUARDED_ROW, 0x1234), WithOTPRow(rp2.OTP_GUARDED_ROW+1, 0xabcd))
		h := open(c)
		lo, hi := h.OTP.ReadRowPair(rp2.OTP_GUARDED_ROW)
		Expect(lo).To(Equal(uint16(0x1234)))
		Expect(hi).To(Equal(uint16(0xabcd)))
	})
})
