// Package cli defines the keyfort command tree: the activation server
// plus client-side offline activation helpers that run on air-gapped
// machines.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyfort",
		Short: "License activation server and offline activation tools",
		Long: `Keyfort issues, binds, and verifies software license activations
against physical machines. The serve command runs the online activation
server; request and validate run on the client machine and need no
network access, exchanging short codes through any out-of-band channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keyfort.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newLicenseCmd())
	cmd.AddCommand(newRequestCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}
