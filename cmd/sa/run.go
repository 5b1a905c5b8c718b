package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"selfaudit/internal/domain"
	"selfaudit/internal/engine"
)

func runCmd() *cobra.Command {
	t := &target{}
	cmd := &cobra.Command{Use: "run", Short: "Manage the runs of a module"}
	t.bind(cmd, true)
	cmd.AddCommand(runListCmd(t))
	cmd.AddCommand(runNewCmd(t))
	cmd.AddCommand(runArchiveCmd(t))
	cmd.AddCommand(runSwitchCmd(t))
	cmd.AddCommand(runRelabelCmd(t))
	cmd.AddCommand(runDeleteCmd(t))
	cmd.AddCommand(runCompareCmd(t))
	return cmd
}

func bindContext(cmd *cobra.Command, rc *domain.RunContext) {
	cmd.Flags().StringVar((*string)(&rc.Type), "type", string(domain.ContextGeneral), "context type: general, team, department, event, location, experience, other")
	cmd.Flags().StringVar(&rc.Name, "name", "", "context name")
	cmd.Flags().StringVar(&rc.Description, "description", "", "context description")
	_ = cmd.MarkFlagRequired("name")
}

func runLabel(r domain.Run) string {
	label := fmt.Sprintf("%s (%s)", r.Context.Name, r.Context.Type)
	if r.Provisional {
		label += " *"
	}
	return label
}

func runListCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the live run and history",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListRuns(ctx, k)
				if err != nil {
					return err
				}
				return printJSONOr(list, func() {
					tw := newTable("", "Run", "Context", "Status", "Responses", "Confidence", "Completed")
					row := func(marker string, r domain.Run) {
						completed := ""
						if r.CompletedAt != nil {
							completed = r.CompletedAt.Format("2006-01-02 15:04")
						}
						tw.AppendRow(table.Row{marker, r.ID, runLabel(r), statusLabel(r.Status), len(r.Responses), confidenceLabel(r.Confidence), completed})
					}
					if list.Active != nil {
						row("→", *list.Active)
					}
					for _, r := range list.History {
						row("", r)
					}
					tw.Render()
				})
			})
		},
	}
}

func runNewCmd(t *target) *cobra.Command {
	var rc domain.RunContext
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new, empty run",
		Long:  "Start a new run labeled with the given context. The current run stays in history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.StartNewRun(ctx, k, rc, actorID())
				if err != nil {
					return err
				}
				return printResult(res, "new run")
			})
		},
	}
	bindContext(cmd, &rc)
	return cmd
}

func runArchiveCmd(t *target) *cobra.Command {
	var rc domain.RunContext
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a snapshot of the live run",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ArchiveCurrent(ctx, k, rc, actorID())
				if err != nil {
					return err
				}
				return printResult(res, "archive")
			})
		},
	}
	bindContext(cmd, &rc)
	return cmd
}

func runSwitchCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <run-id>",
		Short: "Make a run the live one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SwitchToRun(ctx, k, args[0], actorID())
				if err != nil {
					return err
				}
				return printResult(res, "switch")
			})
		},
	}
}

func runRelabelCmd(t *target) *cobra.Command {
	var rc domain.RunContext
	cmd := &cobra.Command{
		Use:   "relabel <run-id>",
		Short: "Replace a run's context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RelabelRun(ctx, k, args[0], rc, actorID())
				if err != nil {
					return err
				}
				return printResult(res, "relabel")
			})
		},
	}
	bindContext(cmd, &rc)
	return cmd
}

func runDeleteCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeleteRun(ctx, k, args[0], actorID())
				if err != nil {
					return err
				}
				return printResult(res, "delete")
			})
		},
	}
}

func trendLabel(tr domain.Trend) string {
	switch tr {
	case domain.TrendImproving:
		return green(string(tr))
	case domain.TrendDeclining:
		return red(string(tr))
	case domain.TrendMixed:
		return yellow(string(tr))
	default:
		return string(tr)
	}
}

func runCompareCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <baseline-run> <run>",
		Short: "Compare two runs",
		Long:  `Compare a run against a baseline. Use "current" for the live run.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cmp, err := e.CompareRuns(ctx, k, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOr(cmp, func() {
					fmt.Printf("%s → %s: %s (%+.1f%%)\n", runLabel(cmp.RunA), runLabel(cmp.RunB), trendLabel(cmp.OverallTrend), cmp.ScoreChangePercent)
					tw := newTable("Change", "Questions")
					tw.AppendRow(table.Row{green("improved"), strings.Join(cmp.Improvements, ", ")})
					tw.AppendRow(table.Row{red("regressed"), strings.Join(cmp.Regressions, ", ")})
					tw.AppendRow(table.Row{"unchanged", strings.Join(cmp.Unchanged, ", ")})
					tw.AppendRow(table.Row{"only in one run", strings.Join(cmp.NewQuestions, ", ")})
					tw.Render()
				})
			})
		},
	}
}
