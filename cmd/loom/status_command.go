package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/artifact"
	"loom/internal/orchestrator"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-level validity, node counts and cached payload sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, cleanup, err := ctx.openProject(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := proj.orch.Status(cmd.Context())
			if err != nil {
				return err
			}

			stdout := cmd.OutOrStdout()
			fmt.Fprintf(stdout, "Pipeline: %s (highest valid level %d)\n\n", report.State, report.HighestValid)

			rows := make([][]string, 0, len(report.Levels))
			for _, level := range report.Levels {
				committed := "-"
				if level.Committed {
					committed = level.CommittedAt.Local().Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []string{
					strconv.Itoa(level.Level),
					level.Pass,
					committed,
					strconv.Itoa(level.Nodes),
					strconv.Itoa(level.Valid),
					strconv.Itoa(level.Stale),
					strconv.Itoa(level.Failed),
				})
			}
			fmt.Fprintln(stdout, renderTable(stdout,
				[]string{"Level", "Pass", "Committed", "Nodes", "Valid", "Stale", "Failed"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
			))

			if len(report.Failures) > 0 {
				fmt.Fprintln(stdout)
				fmt.Fprintln(stdout, "Blocked branches:")
				for _, failure := range report.Failures {
					fmt.Fprintf(stdout, "  %s (level %d): %s\n", failure.ID, failure.Level, failure.Cause)
					for _, vote := range formatVotes(failure.Votes) {
						fmt.Fprintf(stdout, "    %s\n", vote)
					}
				}
			}

			if len(report.Payloads) > 0 {
				fmt.Fprintln(stdout)
				fmt.Fprintln(stdout, renderTable(stdout,
					[]string{"Kind", "Payloads", "Bytes"},
					payloadRows(report),
					[]columnAlignment{alignLeft, alignRight, alignRight},
				))
			}
			return nil
		},
	}
}

func payloadRows(report *orchestrator.Report) [][]string {
	kinds := make([]artifact.Kind, 0, len(report.Payloads))
	for kind := range report.Payloads {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	rows := make([][]string, 0, len(kinds))
	for _, kind := range kinds {
		stats := report.Payloads[kind]
		rows = append(rows, []string{
			string(kind),
			strconv.Itoa(stats.Count),
			strconv.FormatInt(stats.Bytes, 10),
		})
	}
	return rows
}

func formatVotes(votes map[string]int) []string {
	if len(votes) == 0 {
		return nil
	}
	values := make([]string, 0, len(votes))
	for value := range votes {
		values = append(values, value)
	}
	sort.Slice(values, func(i, j int) bool {
		if votes[values[i]] != votes[values[j]] {
			return votes[values[i]] > votes[values[j]]
		}
		return values[i] < values[j]
	})
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, fmt.Sprintf("%d vote(s): %q", votes[value], value))
	}
	return out
}
