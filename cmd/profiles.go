package cmd

import (
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/spf13/cobra"
)

// ProfilesCmd represents the profiles command
var ProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the built-in deployment profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Profile", "Chain", "Channel", "Gas limit", "Approval token", "Fees", "RPC"})
		table.SetAutoWrapText(false)

		for _, name := range config.ProfileNames() {
			p, _ := config.LookupProfile(name)
			token := "-"
			if p.Token != nil {
				token = p.Token.Symbol + " " + p.Token.Address.Hex()
			}
			fees := "dynamic"
			if p.Fees.PreferLegacy {
				fees = "legacy"
			}
			table.Append([]string{
				p.Name,
				strconv.Itoa(p.ChainID),
				strconv.FormatUint(uint64(p.ChannelID), 10),
				strconv.FormatUint(p.GasLimit, 10),
				token,
				fees,
				strings.Join(p.RPCURLs, "\n"),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ProfilesCmd)
}
