package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/artifact"
	"loom/internal/orchestrator"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <node-id>",
		Short: "Produce a target node and everything it depends on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withProjectLock(func() error {
				proj, cleanup, err := ctx.openProject(cmd)
				if err != nil {
					return err
				}
				defer cleanup()

				report, err := proj.orch.Run(cmd.Context(), artifact.ID(strings.TrimSpace(args[0])))
				if report != nil {
					printRunReport(cmd, report)
				}
				return err
			})
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the pipeline from the highest valid checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withProjectLock(func() error {
				proj, cleanup, err := ctx.openProject(cmd)
				if err != nil {
					return err
				}
				defer cleanup()

				report, err := proj.orch.Resume(cmd.Context())
				if report != nil {
					printRunReport(cmd, report)
				}
				return err
			})
		},
	}
}

func newInvalidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <level>",
		Short: "Invalidate the checkpoint at a level and everything above it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevelArg(args[0])
			if err != nil {
				return err
			}
			return ctx.withProjectLock(func() error {
				proj, cleanup, err := ctx.openProject(cmd)
				if err != nil {
					return err
				}
				defer cleanup()

				if err := proj.orch.Invalidate(cmd.Context(), level); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated levels %d and above\n", level)
				return nil
			})
		},
	}
}

func newRevertCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <level>",
		Short: "Invalidate a level and immediately regenerate from there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevelArg(args[0])
			if err != nil {
				return err
			}
			return ctx.withProjectLock(func() error {
				proj, cleanup, err := ctx.openProject(cmd)
				if err != nil {
					return err
				}
				defer cleanup()

				report, err := proj.orch.RevertAndRun(cmd.Context(), level)
				if report != nil {
					printRunReport(cmd, report)
				}
				return err
			})
		},
	}
}

func newClearCommand(ctx *commandContext) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard all checkpoints and cached payloads (forces full regeneration)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("clear discards every checkpoint and cached payload; re-run with --yes to confirm")
			}
			return ctx.withProjectLock(func() error {
				proj, cleanup, err := ctx.openProject(cmd)
				if err != nil {
					return err
				}
				defer cleanup()

				if err := proj.orch.ClearCheckpoints(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Checkpoints and payload cache cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm discarding all project state")
	return cmd
}

func printRunReport(cmd *cobra.Command, report *orchestrator.RunReport) {
	stdout := cmd.OutOrStdout()
	fmt.Fprintf(stdout, "Run %s: %d generated, %d from cache, %d coalesced, %d failed, %d blocked\n",
		report.RunID, report.Generated, report.Reused, report.Coalesced, report.Failed, report.Blocked)
	if len(report.Committed) > 0 {
		levels := make([]string, 0, len(report.Committed))
		for _, level := range report.Committed {
			levels = append(levels, strconv.Itoa(level))
		}
		fmt.Fprintf(stdout, "Committed levels: %s\n", strings.Join(levels, ", "))
	}
}

func parseLevelArg(arg string) (int, error) {
	level, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("invalid level %q", arg)
	}
	return level, nil
}
