// Command clkseq brings up the clock tree of an RP2040 or RP2350, either on a
// behavioural model or on real hardware through a memory-mapped bus.
package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/Jon-Bright/clkseq/internal/logging"
)

var log = logging.NewNop()

var rootCmd = &cobra.Command{
	Use:   "clkseq",
	Short: "Clock-tree bring-up sequencer for RP2-family microcontrollers",
	Long: `clkseq takes an RP2040/RP2350 clock tree from its ring-oscillator reset state
to a crystal-referenced configuration and starts the tick generators.

Settings come from a profile: a built-in one ("rp2040", "rp2350") or a YAML
file based on one. CLKSEQ_* environment variables, optionally from a .env
file, override the scalar settings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		err := godotenv.Load(envFile)
		if err != nil && !(errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file")) {
			return fmt.Errorf("couldn't load %s: %w", envFile, err)
		}
		lvl, _ := cmd.Flags().GetString("log-level")
		l, err := logging.ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("bad log level: %w", err)
		}
		log = logging.New(l)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("profile", "p", "rp2040", "Built-in profile name or path to a YAML profile")
	pf.String("backend", "sim", "Register bus: sim (behavioural model) or devmem (memory-mapped file)")
	pf.String("devmem", "/dev/mem", "File to map for the devmem backend")
	pf.Uint32("devmem-cpu-hz", 0, "Clock used to turn settling delays into sleeps on the devmem backend; 0 skips them")
	pf.Bool("detect", false, "Detect the target from CHIP_ID instead of trusting the profile")
	pf.Bool("sim-warm", false, "Start the model as a previous boot stage would leave it")
	pf.Bool("sim-xosc-dead", false, "Make the modelled crystal never stabilise")
	pf.String("env-file", ".env", "Environment file to load before reading the profile")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		log.Error("command failed", "error", err)
		atexit.Exit(1)
	}
}
