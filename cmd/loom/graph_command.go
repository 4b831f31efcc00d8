package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the artifact graph with node statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, cleanup, err := ctx.openProject(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			rows := make([][]string, 0, proj.graph.Len())
			for _, node := range proj.graph.Nodes() {
				deps := proj.graph.Dependencies(node.ID)
				depList := make([]string, 0, len(deps))
				for _, dep := range deps {
					depList = append(depList, string(dep))
				}
				fingerprint := string(node.Fingerprint)
				if len(fingerprint) > 12 {
					fingerprint = fingerprint[:12]
				}
				rows = append(rows, []string{
					strconv.Itoa(node.Level),
					string(node.ID),
					string(node.Kind),
					string(node.Status),
					fingerprint,
					strings.Join(depList, ", "),
				})
			}

			stdout := cmd.OutOrStdout()
			fmt.Fprintln(stdout, renderTable(stdout,
				[]string{"Level", "Node", "Kind", "Status", "Fingerprint", "Depends on"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
