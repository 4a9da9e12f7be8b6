package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Jon-Bright/clkseq/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles [name|path]",
	Short: "List the built-in profiles, or show one profile after overrides",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if len(args) == 0 {
			for _, n := range profile.Names() {
				p, err := profile.Builtin(n)
				if err != nil {
					return err
				}
				fmt.Fprint(w, p.Summary())
			}
			return nil
		}
		p, err := readProfile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(w, p.Summary())
		return p.Validate()
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}
