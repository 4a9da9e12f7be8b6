package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [port]",
	Short: "Watch a real board's console for the boot diagnostic loop",
	Long: `monitor opens a serial console and waits for the output diag prints: a
"Success!" line followed by the guarded OTP word. Each reading is reported
once decoded. With --list it only lists the serial ports it can see.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")
		if list {
			ports, err := serial.GetPortsList()
			if err != nil {
				return fmt.Errorf("couldn't list serial ports: %w", err)
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		}
		if len(args) != 1 {
			return errors.New("monitor needs a serial port, see --list")
		}
		baud, _ := cmd.Flags().GetInt("baud")
		count, _ := cmd.Flags().GetInt("count")
		wait, _ := cmd.Flags().GetDuration("wait")
		port, err := serial.Open(args[0], &serial.Mode{BaudRate: baud})
		if err != nil {
			return fmt.Errorf("couldn't open %s: %w", args[0], err)
		}
		defer port.Close()
		err = port.SetReadTimeout(50 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("couldn't set read timeout on %s: %w", args[0], err)
		}
		log.Info("monitoring", "port", args[0], "baud", baud)
		return monitor(port, cmd.OutOrStdout(), count, wait)
	},
}

func init() {
	monitorCmd.Flags().Bool("list", false, "List serial ports and exit")
	monitorCmd.Flags().Int("baud", 115200, "Console baud rate")
	monitorCmd.Flags().Int("count", 1, "Readings to report before exiting; 0 runs forever")
	monitorCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for each reading")
	rootCmd.AddCommand(monitorCmd)
}

// diagReading is one decoded iteration of the diagnostic loop.
type diagReading struct {
	Lo, Hi uint16
	HasOTP bool
}

func (r diagReading) String() string {
	if !r.HasOTP {
		return "success, no OTP"
	}
	return fmt.Sprintf("success, otp[0xc08]=%04X otp[0xc09]=%04X", r.Lo, r.Hi)
}

// diagParser decodes the console output line by line.
type diagParser struct {
	sawSuccess bool
}

// line feeds one line without its terminator. It returns a reading once one
// is complete.
func (p *diagParser) line(l string) (diagReading, bool, error) {
	l = strings.TrimSpace(l)
	if l == "Success!" {
		if p.sawSuccess {
			// The previous iteration had no OTP word.
			return diagReading{}, true, nil
		}
		p.sawSuccess = true
		return diagReading{}, false, nil
	}
	if !p.sawSuccess {
		return diagReading{}, false, nil
	}
	p.sawSuccess = false
	if l == "" {
		return diagReading{}, true, nil
	}
	if len(l) != 8 {
		return diagReading{}, false, fmt.Errorf("expected 8 hex digits after Success!, got %q", l)
	}
	lo, err := strconv.ParseUint(l[:4], 16, 16)
	if err != nil {
		return diagReading{}, false, fmt.Errorf("couldn't parse %q: %w", l, err)
	}
	hi, err := strconv.ParseUint(l[4:], 16, 16)
	if err != nil {
		return diagReading{}, false, fmt.Errorf("couldn't parse %q: %w", l, err)
	}
	return diagReading{Lo: uint16(lo), Hi: uint16(hi), HasOTP: true}, true, nil
}

// monitor reads r until count readings have been reported. r may return no
// data without an error, as a serial port does on a read timeout; each
// reading must arrive within wait.
func monitor(r io.Reader, out io.Writer, count int, wait time.Duration) error {
	var (
		p    diagParser
		pend []byte
		buf  = make([]byte, 256)
		seen int
	)
	start := time.Now()
	for count == 0 || seen < count {
		n, err := r.Read(buf)
		pend = append(pend, buf[:n]...)
		for {
			i := bytes.IndexByte(pend, '\n')
			if i < 0 {
				break
			}
			rd, ok, perr := p.line(string(pend[:i]))
			pend = pend[i+1:]
			if perr != nil {
				log.Warn("garbled diagnostic output", "error", perr)
				continue
			}
			if !ok {
				continue
			}
			t := time.Now()
			fmt.Fprintf(out, "%s after %v\n", rd, t.Sub(start).Round(time.Millisecond))
			start = t
			seen++
			if count != 0 && seen >= count {
				return nil
			}
		}
		if err == io.EOF {
			return fmt.Errorf("console closed after %d of %d readings", seen, count)
		}
		if err != nil {
			return fmt.Errorf("couldn't read console: %w", err)
		}
		if t := time.Now(); t.Sub(start) > wait {
			return fmt.Errorf("timed out waiting for a reading, started %v, now %v", start, t)
		}
	}
	return nil
}
