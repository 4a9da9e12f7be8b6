package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jon-Bright/clkseq/seq"
	"github.com/Jon-Bright/clkseq/sim"
	"github.com/Jon-Bright/clkseq/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Run the bring-up on the model and record every register access",
	Long: `trace brings the modelled chip up and records each bus access with the
phase it happened in. Text goes to --out (stdout if empty); sqlite writes a
new database named --out plus ".sqlite3". Ordering violations the model saw
are listed afterwards and make the command fail.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if backend, _ := cmd.Flags().GetString("backend"); backend != "sim" {
			return errors.New("trace only runs on the sim backend")
		}
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		p, err := loadProfile(cmd)
		if err != nil {
			return err
		}

		var w trace.Writer
		switch format {
		case "text":
			tw := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("couldn't create %s: %w", out, err)
				}
				defer f.Close()
				tw = f
			}
			w = trace.NewTextWriter(tw)
		case "sqlite":
			sw := trace.NewSQLiteWriter(out)
			err = sw.Init()
			if err != nil {
				return err
			}
			defer sw.Close()
			log.Info("recording trace", "file", sw.Filename(), "run", sw.RunID())
			w = sw
		default:
			return fmt.Errorf("unknown trace format %q", format)
		}

		b, err := openBoard(cmd, p, openOpts{hooks: []sim.Hook{sim.NewRecorder(w)}})
		if err != nil {
			return err
		}
		defer b.close()
		_, err = bringUp(b, seq.WithPhaseHook(func(ph seq.Phase) {
			b.model.SetPhase(ph.String())
		}))
		ferr := w.Flush()
		if err != nil {
			return err
		}
		if ferr != nil {
			return fmt.Errorf("couldn't flush trace: %w", ferr)
		}
		vs := b.model.Violations()
		for _, v := range vs {
			fmt.Fprintln(cmd.ErrOrStderr(), v)
		}
		if len(vs) > 0 {
			return fmt.Errorf("model saw %d ordering violations", len(vs))
		}
		return nil
	},
}

func init() {
	traceCmd.Flags().String("format", "text", "Trace format: text or sqlite")
	traceCmd.Flags().String("out", "", "Output file; for sqlite, the database name without extension")
	rootCmd.AddCommand(traceCmd)
}
