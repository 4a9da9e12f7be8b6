package rp2

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Detect", func() {
	var (
		mockCtrl *gomock.Controller
		bus      *MockBus
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		bus = NewMockBus(mockCtrl)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should identify an RP2040", func() {
		bus.EXPECT().Read32(uint32(SYSINFO_BASE)).Return(uint32(0x10002927))
		t, err := Detect(bus)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Name).To(Equal("rp2040"))
	})

	It("should identify an RP2350", func() {
		bus.EXPECT().Read32(uint32(SYSINFO_BASE)).Return(uint32(0x20004927))
		t, err := Detect(bus)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Variant).To(Equal(VariantRP2350))
	})

	It("should refuse other manufacturers", func() {
		bus.EXPECT().Read32(uint32(SYSINFO_BASE)).Return(uint32(0x12345678))
		_, err := Detect(bus)
		Expect(err).To(HaveOccurred())
	})

	It("should refuse unknown parts", func() {
		bus.EXPECT().Read32(uint32(SYSINFO_BASE)).Return(uint32(0x0009f927))
		_, err := Detect(bus)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RP2040 handles", func() {
	var (
		mockCtrl *gomock.Controller
		bus      *MockBus
		chip     *Chip
		polls    map[string]uint64
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		bus = NewMockBus(mockCtrl)
		polls = map[string]uint64{}
		var err error
		chip, err = Open(bus, Config{
			Target:   "rp2040",
			XOSCHz:   12000000,
			MaxPolls: 10,
			OnPoll: func(what string, n uint64) {
				polls[what] = n
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should start the crystal oscillator", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(uint32(0x40024000), uint32(0xaa0)),
			bus.EXPECT().Write32(uint32(0x4002400c), uint32(47)),
			bus.EXPECT().Write32(uint32(0x40026000), uint32(0xfab000)),
			bus.EXPECT().Read32(uint32(0x40024004)).Return(uint32(0)).Times(2),
			bus.EXPECT().Read32(uint32(0x40024004)).Return(uint32(XOSC_STATUS_STABLE)),
		)
		Expect(chip.XOSC.Start()).To(Succeed())
		Expect(polls["xosc stable"]).To(Equal(uint64(3)))
	})

	It("should give up on an oscillator that never stabilises", func() {
		bus.EXPECT().Write32(gomock.Any(), gomock.Any()).Times(3)
		bus.EXPECT().Read32(uint32(0x40024004)).Return(uint32(0)).Times(10)

		err := chip.XOSC.Start()

		var te *TimeoutError
		Expect(errors.As(err, &te)).To(BeTrue())
		Expect(te.Polls).To(Equal(uint64(10)))
		Expect(err).To(MatchError(ErrStabilizationTimeout))
	})

	It("should quiesce clk_sys onto clk_ref", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(uint32(0x4000b03c), uint32(CLK_SYS_CTRL_SRC_BITS)),
			bus.EXPECT().Read32(uint32(0x40008044)).Return(uint32(2)),
			bus.EXPECT().Read32(uint32(0x40008044)).Return(uint32(1)),
		)
		Expect(chip.Clocks.Domain(DomainSys).Quiesce()).To(Succeed())
	})

	It("should quiesce clk_ref onto the ring oscillator", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(uint32(0x4000b030), uint32(CLK_REF_CTRL_SRC_BITS)),
			bus.EXPECT().Read32(uint32(0x40008038)).Return(uint32(1)),
		)
		Expect(chip.Clocks.Domain(DomainRef).Quiesce()).To(Succeed())
	})

	It("should refuse to quiesce a domain without a glitchless mux", func() {
		Expect(chip.Clocks.Domain(DomainPeri).Quiesce()).To(MatchError(ErrNoGlitchlessMux))
	})

	It("should read back and stop clk_usb", func() {
		gomock.InOrder(
			bus.EXPECT().Read32(uint32(0x40008054)).Return(uint32(CLK_CTRL_ENABLE)),
			bus.EXPECT().Read32(uint32(0x40008054)).Return(uint32(CLK_CTRL_ENABLE)),
			bus.EXPECT().Write32(uint32(0x4000b054), uint32(CLK_CTRL_ENABLE)),
		)
		usb := chip.Clocks.Domain(DomainUSB)
		Expect(usb.Enabled()).To(BeTrue())
		Expect(usb.AuxInput()).To(Equal(AuxPLLUSB))
		Expect(usb.Stop()).To(Succeed())
		Expect(usb.Frequency()).To(BeZero())
	})

	It("should refuse to stop a domain with a glitchless mux", func() {
		Expect(chip.Clocks.Domain(DomainSys).Stop()).To(HaveOccurred())
		Expect(chip.Clocks.Domain(DomainSys).Enabled()).To(BeTrue())
	})

	It("should move clk_ref to the crystal", func() {
		gomock.InOrder(
			bus.EXPECT().Read32(uint32(0x40024004)).Return(uint32(XOSC_STATUS_STABLE)),
			bus.EXPECT().Read32(uint32(0x40008038)).Return(uint32(1)),
			bus.EXPECT().Read32(uint32(0x40008030)).Return(uint32(0)),
			bus.EXPECT().Write32(uint32(0x40009030), uint32(0)),
			bus.EXPECT().Read32(uint32(0x40008030)).Return(uint32(0)),
			bus.EXPECT().Write32(uint32(0x40009030), uint32(CLK_REF_CTRL_SRC_XOSC)),
			bus.EXPECT().Read32(uint32(0x40008038)).Return(uint32(1<<CLK_REF_CTRL_SRC_XOSC)),
			bus.EXPECT().Write32(uint32(0x40008034), uint32(1<<8)),
		)
		Expect(chip.Clocks.Domain(DomainRef).Configure(SrcXOSC, AuxNone, 12000000)).To(Succeed())
		Expect(chip.Clocks.Domain(DomainRef).Frequency()).To(Equal(uint32(12000000)))
	})

	It("should refuse clk_peri from an unconfigured clk_sys", func() {
		err := chip.Clocks.Domain(DomainPeri).Configure(SrcDefault, AuxClkSys, 125000000)
		Expect(err).To(MatchError(ErrAuxNotRunning))
	})

	It("should refuse clk_sys from an unlocked PLL", func() {
		bus.EXPECT().Read32(uint32(0x40028000)).Return(uint32(0))
		err := chip.Clocks.Domain(DomainSys).Configure(SrcAux, AuxPLLSys, 125000000)
		Expect(err).To(MatchError(ErrAuxNotRunning))
	})

	It("should program and lock the system PLL", func() {
		gomock.InOrder(
			bus.EXPECT().Read32(uint32(0x40028000)).Return(uint32(0)),
			bus.EXPECT().Write32(uint32(0x4000e000), uint32(1<<12)),
			bus.EXPECT().Write32(uint32(0x4000f000), uint32(1<<12)),
			bus.EXPECT().Read32(uint32(0x4000c008)).Return(uint32(1<<12)),
			bus.EXPECT().Write32(uint32(0x40028000), uint32(1)),
			bus.EXPECT().Write32(uint32(0x40028008), uint32(125)),
			bus.EXPECT().Write32(uint32(0x4002b004), uint32(PLL_PWR_PD|PLL_PWR_VCOPD)),
			bus.EXPECT().Read32(uint32(0x40028000)).Return(uint32(1)),
			bus.EXPECT().Read32(uint32(0x40028000)).Return(uint32(PLL_CS_LOCK|1)),
			bus.EXPECT().Write32(uint32(0x4002800c), uint32(6<<16|2<<12)),
			bus.EXPECT().Write32(uint32(0x4002b004), uint32(PLL_PWR_POSTDIVPD)),
		)
		err := chip.PLLSys.Configure(PLLParams{RefDiv: 1, VCOHz: 1500000000, PostDiv1: 6, PostDiv2: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(chip.PLLSys.OutputHz()).To(Equal(uint32(125000000)))
		Expect(polls["pll_sys lock"]).To(Equal(uint64(2)))
	})

	It("should leave a PLL alone that is already locked the same way", func() {
		bus.EXPECT().Read32(uint32(0x40028000)).Return(uint32(PLL_CS_LOCK | 1)).Times(2)
		bus.EXPECT().Read32(uint32(0x40028008)).Return(uint32(125))
		bus.EXPECT().Read32(uint32(0x4002800c)).Return(uint32(6<<16 | 2<<12))

		err := chip.PLLSys.Configure(PLLParams{RefDiv: 1, VCOHz: 1500000000, PostDiv1: 6, PostDiv2: 2})

		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject a VCO outside the lock range", func() {
		err := chip.PLLUSB.Configure(PLLParams{RefDiv: 1, VCOHz: 100000000, PostDiv1: 1, PostDiv2: 1})
		Expect(err).To(MatchError(ErrInvalidPLL))
	})

	It("should reject a VCO the feedback divider can't reach exactly", func() {
		_, err := PLLParams{RefDiv: 1, VCOHz: 1505000000, PostDiv1: 6, PostDiv2: 2}.FBDiv(12000000)
		Expect(err).To(MatchError(ErrInvalidPLL))
		Expect(err.Error()).To(ContainSubstring("isn't a multiple"))

		fb, err := PLLParams{RefDiv: 2, VCOHz: 1500000000, PostDiv1: 6, PostDiv2: 2}.FBDiv(12000000)
		Expect(err).NotTo(HaveOccurred())
		Expect(fb).To(Equal(uint32(250)))
	})

	It("should start the watchdog tick", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(uint32(0x4005802c), uint32(12|WATCHDOG_TICK_ENABLE)),
			bus.EXPECT().Read32(uint32(0x4005802c)).Return(uint32(12|WATCHDOG_TICK_ENABLE|WATCHDOG_TICK_RUNNING)),
		)
		Expect(chip.Ticks).To(HaveLen(1))
		Expect(chip.Ticks[0].Start(12)).To(Succeed())
		Expect(chip.Ticks[0].Start(12)).To(MatchError(ErrTickStarted))
	})

	It("should let a tick that timed out be started again", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(uint32(0x4005802c), uint32(12|WATCHDOG_TICK_ENABLE)),
			bus.EXPECT().Read32(uint32(0x4005802c)).Return(uint32(12|WATCHDOG_TICK_ENABLE)).Times(10),
			bus.EXPECT().Write32(uint32(0x4005802c), uint32(12|WATCHDOG_TICK_ENABLE)),
			bus.EXPECT().Read32(uint32(0x4005802c)).Return(uint32(12|WATCHDOG_TICK_ENABLE|WATCHDOG_TICK_RUNNING)),
		)
		Expect(chip.Ticks[0].Start(12)).To(MatchError(ErrStabilizationTimeout))
		Expect(polls["tick watchdog running"]).To(Equal(uint64(10)))
		Expect(chip.Ticks[0].Start(12)).To(Succeed())
		Expect(chip.Ticks[0].Start(12)).To(MatchError(ErrTickStarted))
	})

	It("should slow the XIP SSI down", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(uint32(0x18000008), uint32(0)),
			bus.EXPECT().Write32(uint32(0x18000014), uint32(32)),
			bus.EXPECT().Write32(uint32(0x180000f0), uint32(4)),
			bus.EXPECT().Write32(uint32(0x18000008), uint32(1)),
		)
		chip.Memory.ApplyTiming(MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32})
		Expect(chip.Memory.Name()).To(Equal("ssi"))
	})

	It("should disable resus", func() {
		bus.EXPECT().Write32(uint32(0x40008078), uint32(0))
		chip.Clocks.DisableResus()
	})

	It("should have no OTP", func() {
		Expect(chip.OTP).To(BeNil())
	})
})

var _ = Describe("RP2350 handles", func() {
	var (
		mockCtrl *gomock.Controller
		bus      *MockBus
		chip     *Chip
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		bus = NewMockBus(mockCtrl)
		var err error
		chip, err = Open(bus, Config{Target: "rp2350", XOSCHz: 12000000, XOSCStartupMult: 64})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should write the QMI timing in one go", func() {
		bus.EXPECT().Write32(uint32(0x400d000c), uint32(0x40000420))
		chip.Memory.ApplyTiming(MemTiming{Cooldown: 1, RxDelay: 4, ClkDiv: 32})
	})

	It("should scale the oscillator startup delay", func() {
		Expect(chip.XOSC.StartupDelay()).To(Equal(uint32(47 * 64)))
	})

	It("should start a TICKS generator", func() {
		gomock.InOrder(
			bus.EXPECT().Write32(uint32(0x40108004), uint32(12)),
			bus.EXPECT().Write32(uint32(0x40108000), uint32(TICKS_CTRL_ENABLE)),
			bus.EXPECT().Read32(uint32(0x40108000)).Return(uint32(TICKS_CTRL_ENABLE|TICKS_CTRL_RUNNING)),
		)
		Expect(chip.Ticks).To(HaveLen(6))
		Expect(chip.Ticks[0].Name()).To(Equal("proc0"))
		Expect(chip.Ticks[0].Start(12)).To(Succeed())
	})

	It("should refuse a zero divisor", func() {
		Expect(chip.Ticks[1].Start(0)).NotTo(Succeed())
	})

	It("should read a pair of OTP rows", func() {
		bus.EXPECT().Read32(uint32(0x40131810)).Return(uint32(0xbeef1234))
		lo, hi := chip.OTP.ReadRowPair(OTP_GUARDED_ROW)
		Expect(lo).To(Equal(uint16(0x1234)))
		Expect(hi).To(Equal(uint16(0xbeef)))
	})

	It("should map every aux source both ways", func() {
		for d := Domain(0); d < NumDomains; d++ {
			for a := AuxPLLSys; a <= AuxROSC; a++ {
				v, ok := chip.Target.AuxValue(d, a)
				if ok {
					Expect(chip.Target.AuxSourceOf(d, v)).To(Equal(a))
				}
			}
		}
	})
})

var _ = Describe("Domain names", func() {
	It("should parse with and without the clk_ prefix", func() {
		d, err := ParseDomain("clk_peri")
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(DomainPeri))
		d, err = ParseDomain("adc")
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(DomainADC))
		_, err = ParseDomain("rtc")
		Expect(err).To(HaveOccurred())
	})

	It("should unmarshal sources from text", func() {
		var a AuxSource
		Expect(a.UnmarshalText([]byte("pll_usb"))).To(Succeed())
		Expect(a).To(Equal(AuxPLLUSB))
		var s GlitchlessSource
		Expect(s.UnmarshalText([]byte("xosc"))).To(Succeed())
		Expect(s).To(Equal(SrcXOSC))
		Expect(s.UnmarshalText([]byte("bogus"))).NotTo(Succeed())
	})
})
