package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/speedrun-hq/speedrun-relayer/pkg/config"
	"github.com/speedrun-hq/speedrun-relayer/pkg/models"
	"github.com/speedrun-hq/speedrun-relayer/pkg/runner"
)

var summaryHeader = []string{"Profile", "#", "State", "Nonces", "Attempts", "Tx", "Packet", "Error"}

// printSummary writes one row per transfer and a totals line per profile
func printSummary(w io.Writer, reports []runner.Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(summaryHeader)
	table.SetAutoWrapText(false)

	for _, report := range reports {
		if report.Err != nil && report.Results == nil {
			table.Append([]string{report.Profile.Name, "-", stateCell(models.StateFailed), "", "", "", "", report.Err.Error()})
			continue
		}
		for _, result := range report.Results {
			table.Append(resultRow(report.Profile, result))
		}
	}
	table.Render()

	for _, report := range reports {
		fmt.Fprintf(w, "%s run %s: %s\n", report.Profile.Name, report.RunID, totals(report.Results))
	}
}

// resultRow renders one journaled or freshly returned transfer
func resultRow(profile config.Profile, result models.TransferResult) []string {
	row := []string{result.Profile, strconv.Itoa(result.Index), stateCell(result.State), nonceList(result.Nonces), "", "", "", result.Error}
	if result.Record != nil {
		row[4] = strconv.Itoa(result.Record.Attempts)
		row[5] = profile.TxURL(result.Record.Hash.Hex())
	}
	if result.Correlation != nil && result.Correlation.Found {
		row[6] = result.Correlation.PacketHash
	}
	return row
}

func stateCell(state models.TransferState) string {
	switch state {
	case models.StateCorrelated:
		return color.GreenString(state.String())
	case models.StateConfirmed:
		return color.YellowString(state.String())
	case models.StateFailed:
		return color.RedString(state.String())
	}
	return state.String()
}

func nonceList(nonces []uint64) string {
	parts := make([]string, len(nonces))
	for i, n := range nonces {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ",")
}

func totals(results []models.TransferResult) string {
	var correlated, confirmed, failed int
	for _, result := range results {
		switch result.State {
		case models.StateCorrelated:
			correlated++
		case models.StateConfirmed:
			confirmed++
		case models.StateFailed:
			failed++
		}
	}
	return fmt.Sprintf("%d transfers, %d correlated, %d confirmed without packet, %d failed", len(results), correlated, confirmed, failed)
}
