package main

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring the clock tree up and print the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile(cmd)
		if err != nil {
			return err
		}
		b, err := openBoard(cmd, p, openOpts{})
		if err != nil {
			return err
		}
		defer b.close()
		sq, err := bringUp(b)
		printStatus(cmd.OutOrStdout(), sq.Status())
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
