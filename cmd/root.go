// Package cmd holds the relayer command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	profilesFlag string
	countFlag    int
)

const (
	ProfilesFlagName = "profiles"
	CountFlagName    = "count"
)

// rootCmd runs the relayer when no subcommand is given
var rootCmd = &cobra.Command{
	Use:           "relayer",
	Short:         "Send cross-chain transfers through the UCS port and track their relay packets",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRelayer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profilesFlag, ProfilesFlagName, "p", "", "comma separated profiles to run, overrides PROFILES")
	rootCmd.PersistentFlags().IntVarP(&countFlag, CountFlagName, "n", 0, "transfers per profile, overrides the random TRANSFER_COUNT_MIN..MAX range")
}

// Execute runs the command line
func Execute() error {
	return rootCmd.Execute()
}
