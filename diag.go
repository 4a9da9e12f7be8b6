package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jon-Bright/clkseq/rp2"
	"github.com/Jon-Bright/clkseq/sim"
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Bring the clock tree up, then print the boot diagnostic loop",
	Long: `diag prints what a board running the boot code sends on its console:
"Success!", then the guarded OTP rows 0xc08 and 0xc09 as %04X each, then a
blank line, repeated every --interval. Parts without OTP print only
"Success!" and the blank line.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")
		otpWord, _ := cmd.Flags().GetUint32("sim-otp")
		p, err := loadProfile(cmd)
		if err != nil {
			return err
		}
		b, err := openBoard(cmd, p, openOpts{simOpts: []sim.Option{
			sim.WithOTPRow(rp2.OTP_GUARDED_ROW, uint16(otpWord>>16)),
			sim.WithOTPRow(rp2.OTP_GUARDED_ROW+1, uint16(otpWord)),
		}})
		if err != nil {
			return err
		}
		defer b.close()
		_, err = bringUp(b)
		if err != nil {
			return err
		}
		return writeDiag(cmd.OutOrStdout(), b.chip.OTP, count, interval, time.Sleep)
	},
}

func init() {
	diagCmd.Flags().Int("count", 1, "Iterations to print; 0 loops forever")
	diagCmd.Flags().Duration("interval", 200*time.Millisecond, "Sleep between iterations")
	diagCmd.Flags().Uint32("sim-otp", 0xC0FFEE42, "Value of the guarded row pair on the sim backend, row 0xc08 in the high half")
	rootCmd.AddCommand(diagCmd)
}

// writeDiag prints the diagnostic loop. otp may be nil.
func writeDiag(w io.Writer, otp *rp2.OTP, count int, interval time.Duration, sleep func(time.Duration)) error {
	for i := 0; count == 0 || i < count; i++ {
		_, err := fmt.Fprint(w, "Success!\n")
		if err != nil {
			return err
		}
		if otp != nil {
			lo, hi := otp.ReadRowPair(rp2.OTP_GUARDED_ROW)
			_, err = fmt.Fprintf(w, "%04X%04X\n", lo, hi)
			if err != nil {
				return err
			}
		}
		_, err = fmt.Fprint(w, "\n")
		if err != nil {
			return err
		}
		sleep(interval)
	}
	return nil
}
