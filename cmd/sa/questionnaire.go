package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"selfaudit/internal/config"
	"selfaudit/internal/engine"
)

func questionnaireCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "questionnaire", Aliases: []string{"q"}, Short: "Manage questionnaires"}
	cmd.AddCommand(questionnaireInitCmd())
	cmd.AddCommand(questionnaireImportCmd())
	cmd.AddCommand(questionnaireShowCmd())
	cmd.AddCommand(questionnaireValidateCmd())
	return cmd
}

func questionnaireInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in questionnaire to selfaudit.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return printJSONOr(map[string]string{"path": path}, func() {
				fmt.Printf("Wrote %s\n", path)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func questionnaireImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and store a questionnaire from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				if err := engine.New(conn, cfg).ImportQuestionnaire(ctx, cfg, actorID()); err != nil {
					return err
				}
				return printJSONOr(cfg.Questionnaire, func() {
					fmt.Printf("Imported %s v%d (%d modules)\n", cfg.Questionnaire.ID, cfg.Questionnaire.Version, len(cfg.Modules))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "questionnaire YAML (defaults to selfaudit.yml in the workspace)")
	return cmd
}

func questionnaireShowCmd() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active questionnaire",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if asYAML {
					b, err := config.ToYAML(e.Config)
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(b)
					return err
				}
				return printJSONOr(e.Config, func() {
					q := e.Config.Questionnaire
					fmt.Printf("%s (v%d) %s\n", q.ID, q.Version, q.Title)
					tw := newTable("Module", "Question", "Type", "Depth", "Conditional")
					for _, m := range e.Config.Modules {
						for _, qq := range m.Questions {
							conditional := ""
							if qq.VisibilityCondition != nil || qq.HideCondition != nil {
								conditional = "yes"
							}
							tw.AppendRow(table.Row{m.ID, qq.ID, qq.Type, qq.ReviewDepth, conditional})
						}
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	return cmd
}

func questionnaireValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a questionnaire file without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			questions := 0
			for _, m := range cfg.Modules {
				questions += len(m.Questions)
			}
			out := map[string]any{"valid": true, "questionnaire": cfg.Questionnaire.ID, "modules": len(cfg.Modules), "questions": questions}
			return printJSONOr(out, func() {
				fmt.Printf("%s is valid: %d modules, %d questions\n", file, len(cfg.Modules), questions)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "questionnaire YAML (defaults to selfaudit.yml in the workspace)")
	return cmd
}
