package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"selfaudit/internal/app"
	"selfaudit/internal/db"
	"selfaudit/internal/engine"
	"selfaudit/internal/migrate"
	"selfaudit/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sa",
	Short: "Accessibility self-audit CLI",
	Long: `sa walks a subject (venue, site, organisation) through accessibility
self-audit questionnaires and keeps every pass as a run.

- Workspace: the .selfaudit directory holding the database and its lock.
- Questionnaire: modules of branching questions, imported from YAML.
- Subject: what is being reviewed; each subject/module pair has its own runs.
- Runs: one live run is edited at a time; earlier passes stay in history and
  can be compared to show improvements and regressions.
- Event log: every change is recorded, view it with 'sa log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
		if viper.GetBool("json") || !isatty.IsTerminal(os.Stdout.Fd()) {
			color.NoColor = true
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SELFAUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("questionnaire", "", "questionnaire id (defaults to the only stored one)")
	flags.String("log-level", "warn", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "actor-id", "questionnaire", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(questionnaireCmd())
	rootCmd.AddCommand(moduleCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// withDB opens the migrated workspace database under the workspace lock.
func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	unlock, err := db.Lock(lockCtx, workspace)
	if err != nil {
		return err
	}
	defer unlock()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, conn)
}

// withEngine resolves the questionnaire and hands a ready engine to fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		workspace := viper.GetString("workspace")
		cfg, err := app.ResolveQuestionnaire(ctx, workspace, viper.GetString("questionnaire"), repo.Repo{DB: conn})
		if err != nil {
			return err
		}
		e := engine.New(conn, cfg)
		e.Logger = slog.Default()
		return fn(ctx, e)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOr(v any, human func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	human()
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	tw.SetStyle(table.StyleLight)
	return tw
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var subject, module, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{Limit: n, SubjectID: subject, ModuleID: module, Type: evtType})
				if err != nil {
					return err
				}
				return printJSONOr(evts, func() {
					tw := newTable("ID", "Time", "Type", "Subject", "Module", "Entity", "Actor")
					for _, evt := range evts {
						tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.SubjectID, evt.ModuleID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&subject, "subject", "", "filter by subject")
	cmd.Flags().StringVar(&module, "module", "", "filter by module")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain}
				return printJSONOr(out, func() {
					fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
					fmt.Printf("Key (shown once): %s\n", plain)
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOr(keys, func() {
					tw := newTable("ID", "Name", "Actor", "Created", "Last used")
					for _, k := range keys {
						last := k.LastUsedAt
						if last == "" {
							last = "never"
						}
						tw.AppendRow(table.Row{k.ID, k.Name, k.ActorID, k.CreatedAt, last})
					}
					tw.Render()
				})
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOr(map[string]string{"revoked": args[0]}, func() {
					fmt.Printf("Revoked %s\n", args[0])
				})
			})
		},
	}
}
