package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/journal"
	"github.com/spf13/cobra"
)

var journalPathFlag string

const JournalFlagName = "journal"

// HistoryCmd represents the history command
var HistoryCmd = &cobra.Command{
	Use:   "history [runID]",
	Short: "List journaled runs, or the transfers of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := journalPathFlag
		if path == "" {
			path = config.GetEnvJournalPath()
		}
		if path == config.JournalDisabled {
			return fmt.Errorf("journal is disabled")
		}

		store, err := journal.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open journal at %s: %w", path, err)
		}
		defer store.Close()

		if len(args) == 0 {
			return listRuns(cmd, store)
		}
		return listTransfers(cmd, store, args[0])
	},
}

func init() {
	HistoryCmd.Flags().StringVarP(&journalPathFlag, JournalFlagName, "j", "", "journal directory, defaults to JOURNAL_PATH")
	rootCmd.AddCommand(HistoryCmd)
}

func listRuns(cmd *cobra.Command, store *journal.Store) error {
	runs, err := store.Runs()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Run", "Profile", "Chain", "Account", "Transfers", "Started"})
	for _, run := range runs {
		table.Append([]string{
			run.RunID,
			run.Profile,
			strconv.Itoa(run.ChainID),
			run.Account,
			strconv.Itoa(run.Count),
			run.StartedAt.Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}

func listTransfers(cmd *cobra.Command, store *journal.Store, runID string) error {
	run, ok, err := store.Run(runID)
	if err != nil {
		return fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("unknown run: %s", runID)
	}
	results, err := store.List(runID)
	if err != nil {
		return fmt.Errorf("failed to list transfers of run %s: %w", runID, err)
	}

	// explorer links come from the built-in profile when it still exists
	profile, _ := config.LookupProfile(run.Profile)

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(summaryHeader)
	table.SetAutoWrapText(false)
	for _, result := range results {
		table.Append(resultRow(profile, result))
	}
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "%s run %s: %s\n", run.Profile, run.RunID, totals(results))
	return nil
}
