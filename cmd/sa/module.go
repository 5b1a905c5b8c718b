package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"selfaudit/internal/domain"
	"selfaudit/internal/engine"
)

// target holds the --subject/--module pair shared by module and run commands.
type target struct {
	subject string
	module  string
}

func (t *target) bind(cmd *cobra.Command, needModule bool) {
	cmd.PersistentFlags().StringVarP(&t.subject, "subject", "s", "", "subject under review")
	cmd.PersistentFlags().StringVarP(&t.module, "module", "m", "", "module id")
	_ = cmd.MarkPersistentFlagRequired("subject")
	if needModule {
		_ = cmd.MarkPersistentFlagRequired("module")
	}
}

func (t *target) key() (engine.Key, error) {
	if strings.TrimSpace(t.module) == "" {
		return engine.Key{}, fmt.Errorf("--module required")
	}
	return engine.Key{SubjectID: t.subject, ModuleID: t.module}, nil
}

func moduleCmd() *cobra.Command {
	t := &target{}
	cmd := &cobra.Command{Use: "module", Short: "Work through a module for a subject"}
	t.bind(cmd, false)
	cmd.AddCommand(moduleListCmd(t))
	cmd.AddCommand(moduleStatusCmd(t))
	cmd.AddCommand(moduleStartCmd(t))
	cmd.AddCommand(moduleAnswerCmd(t))
	cmd.AddCommand(moduleCompleteCmd(t))
	cmd.AddCommand(moduleQuestionsCmd(t))
	cmd.AddCommand(moduleStepCmd(t, true))
	cmd.AddCommand(moduleStepCmd(t, false))
	return cmd
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

func statusLabel(s domain.RunStatus) string {
	switch s {
	case domain.StatusCompleted:
		return green(string(s))
	case domain.StatusInProgress:
		return yellow(string(s))
	default:
		return string(s)
	}
}

func confidenceLabel(c domain.Confidence) string {
	switch c {
	case domain.ConfidenceStrong:
		return green(string(c))
	case domain.ConfidenceMixed:
		return yellow(string(c))
	case domain.ConfidenceNeedsWork:
		return red(string(c))
	default:
		return string(c)
	}
}

func printStatuses(items []engine.ModuleStatus) error {
	return printJSONOr(items, func() {
		tw := newTable("Subject", "Module", "Status", "Depth", "Answered", "Run", "Confidence")
		for _, st := range items {
			run, conf := "", ""
			if st.ActiveRun != nil {
				run = st.ActiveRun.Context.Name
				conf = confidenceLabel(st.ActiveRun.Confidence)
			}
			tw.AppendRow(table.Row{
				st.SubjectID, st.ModuleID, statusLabel(st.Status), st.ReviewDepth,
				fmt.Sprintf("%d/%d", st.Progress.Answered, st.Progress.Total), run, conf,
			})
		}
		tw.Render()
	})
}

func printResult(res engine.Result, what string) error {
	return printJSONOr(res, func() {
		if !res.Changed {
			fmt.Printf("%s: nothing to do\n", what)
			return
		}
		status := domain.StatusNotStarted
		if live, ok := activeRun(res.Progress); ok {
			status = live.Status
		}
		fmt.Printf("%s: %s/%s run %s [%s]\n", what, res.Progress.SubjectID, res.Progress.ModuleID, res.RunID, statusLabel(status))
	})
}

func activeRun(p domain.ModuleProgress) (domain.Run, bool) {
	for _, r := range p.Runs {
		if r.ID == p.ActiveRunID {
			return r, true
		}
	}
	return domain.Run{}, false
}

func moduleListCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Status of every module for the subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListModules(ctx, t.subject)
				if err != nil {
					return err
				}
				return printStatuses(items)
			})
		},
	}
}

func moduleStatusCmd(t *target) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of one module",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx, k)
				if err != nil {
					return err
				}
				return printStatuses([]engine.ModuleStatus{st})
			})
		},
	}
}

func moduleStartCmd(t *target) *cobra.Command {
	var depth string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the module",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.StartModule(ctx, k, domain.ReviewDepth(depth), actorID())
				if err != nil {
					return err
				}
				return printResult(res, "start")
			})
		},
	}
	cmd.Flags().StringVar(&depth, "depth", "", "review depth: foundation or detailed")
	return cmd
}

type answerFlags struct {
	notes    string
	unit     string
	label    string
	score    float64
	findings []string
}

func moduleAnswerCmd(t *target) *cobra.Command {
	var f answerFlags
	cmd := &cobra.Command{
		Use:   "answer <question-id> <value>",
		Short: "Save a response",
		Long: `Save the response to one question. The value is read according to the
question type:
  yes-no-unsure  yes | partially | no | unable-to-check
  measurement    a number (--unit overrides the question unit)
  multi-select   comma separated options
  single-select  one option
  link, url-analysis  a URL (--label, --score, --finding)
  text           free text`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mod, ok := e.Config.Module(k.ModuleID)
				if !ok {
					return fmt.Errorf("unknown module %s", k.ModuleID)
				}
				var q *domain.Question
				for i := range mod.Questions {
					if mod.Questions[i].ID == args[0] {
						q = &mod.Questions[i]
					}
				}
				if q == nil {
					return fmt.Errorf("unknown question %s in module %s", args[0], k.ModuleID)
				}
				payload, err := parsePayload(*q, args[1], f, cmd.Flags().Changed("score"))
				if err != nil {
					return err
				}
				res, err := e.SaveResponse(ctx, k, domain.Response{QuestionID: q.ID, Payload: payload, Notes: f.notes}, actorID())
				if err != nil {
					return err
				}
				return printResult(res, "answer "+q.ID)
			})
		},
	}
	cmd.Flags().StringVar(&f.notes, "notes", "", "notes kept with the response")
	cmd.Flags().StringVar(&f.unit, "unit", "", "measurement unit")
	cmd.Flags().StringVar(&f.label, "label", "", "link label")
	cmd.Flags().Float64Var(&f.score, "score", 0, "url analysis score")
	cmd.Flags().StringArrayVar(&f.findings, "finding", nil, "url analysis finding (repeatable)")
	return cmd
}

func parsePayload(q domain.Question, value string, f answerFlags, hasScore bool) (domain.Payload, error) {
	value = strings.TrimSpace(value)
	switch q.Type {
	case domain.QuestionMeasurement:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("measurement %q: %w", value, err)
		}
		unit := f.unit
		if unit == "" {
			unit = q.Unit
		}
		return domain.Measurement{Value: v, Unit: unit}, nil
	case domain.QuestionMultiSelect:
		var values []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
		return domain.MultiSelect{Values: values}, nil
	case domain.QuestionSingleSelect:
		return domain.Selection{Value: value}, nil
	case domain.QuestionLink:
		return domain.Link{URL: value, Label: f.label}, nil
	case domain.QuestionText:
		return domain.Text{Value: value}, nil
	case domain.QuestionURLAnalysis:
		out := domain.URLAnalysis{URL: value, Findings: f.findings}
		if hasScore {
			s := f.score
			out.Score = &s
		}
		return out, nil
	default:
		a := domain.AnswerValue(strings.ToLower(value))
		if !a.Valid() {
			return nil, fmt.Errorf("invalid answer %q (want yes, partially, no or unable-to-check)", value)
		}
		return domain.Answer{Value: a}, nil
	}
}

func moduleCompleteCmd(t *target) *cobra.Command {
	var summary string
	var by domain.Completion
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete the live run",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var completion *domain.Completion
				if by.Name != "" || by.Role != "" || by.Organisation != "" {
					completion = &by
				}
				res, err := e.CompleteModule(ctx, k, summary, completion, actorID())
				if err != nil {
					return err
				}
				if err := printResult(res, "complete"); err != nil {
					return err
				}
				if live, ok := activeRun(res.Progress); ok && res.Changed && !viper.GetBool("json") {
					fmt.Printf("Confidence: %s\n", confidenceLabel(live.Confidence))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "summary of the pass")
	cmd.Flags().StringVar(&by.Name, "name", "", "name of the person signing off")
	cmd.Flags().StringVar(&by.Role, "role", "", "role of the person signing off")
	cmd.Flags().StringVar(&by.Organisation, "organisation", "", "organisation of the person signing off")
	return cmd
}

func moduleQuestionsCmd(t *target) *cobra.Command {
	var depth string
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "List the visible questions of the live run",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.Questions(ctx, k, depth)
				if err != nil {
					return err
				}
				p, err := e.Progress(ctx, k)
				if err != nil {
					return err
				}
				live, _ := activeRun(p)
				return printJSONOr(view, func() {
					fmt.Printf("%s depth, %d/%d answered\n", view.ReviewDepth, view.Progress.Answered, view.Progress.Total)
					tw := newTable("#", "Question", "Type", "Answer", "Text")
					for i, q := range view.Questions {
						tw.AppendRow(table.Row{i + 1, q.ID, q.Type, describeResponse(live.Responses[q.ID]), q.Text})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&depth, "depth", "", "foundation or detailed (defaults to the live run's depth)")
	return cmd
}

func describeResponse(r domain.Response) string {
	switch p := r.Payload.(type) {
	case nil:
		return ""
	case domain.Answer:
		return string(p.Value)
	case domain.Measurement:
		return strings.TrimSpace(strconv.FormatFloat(p.Value, 'f', -1, 64) + " " + p.Unit)
	case domain.MultiSelect:
		return strings.Join(p.Values, ", ")
	case domain.Selection:
		return p.Value
	case domain.Link:
		return p.URL
	case domain.Text:
		return p.Value
	case domain.URLAnalysis:
		return p.URL
	default:
		return string(r.Payload.Kind())
	}
}

func moduleStepCmd(t *target, forward bool) *cobra.Command {
	var depth string
	use, short := "prev <question-id>", "Show the previous visible question"
	nargs := cobra.ExactArgs(1)
	if forward {
		use, short = "next [question-id]", "Show the next visible question (the first without an id)"
		nargs = cobra.MaximumNArgs(1)
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  nargs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := t.key()
			if err != nil {
				return err
			}
			var from string
			if len(args) == 1 {
				from = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step := e.PreviousQuestion
				if forward {
					step = e.NextQuestion
				}
				q, ok, err := step(ctx, k, depth, from)
				if err != nil {
					return err
				}
				out := map[string]any{"done": !ok}
				if ok {
					out["question"] = q
				}
				return printJSONOr(out, func() {
					if !ok {
						fmt.Println("No more questions.")
						return
					}
					fmt.Printf("%s [%s, %s]\n  %s\n", q.ID, q.Type, q.ReviewDepth, q.Text)
					if len(q.Options) > 0 {
						fmt.Printf("  options: %s\n", strings.Join(q.Options, ", "))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&depth, "depth", "", "foundation or detailed (defaults to the live run's depth)")
	return cmd
}
