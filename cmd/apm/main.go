package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentpm/internal/app"
	"agentpm/internal/db"
	"agentpm/internal/engine"
	"agentpm/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "apm",
	Short: "agentpm workflow CLI",
	Long: `agentpm gates work item and task status changes behind a fixed lifecycle
graph and per-project rules, and records every decision in an audit journal.

- Workspace: the directory holding agentpm.yml and the .agentpm database.
- Work items: deliverables (feature, analysis, objective, research) that own tasks.
- Tasks: units of work with a type, effort estimate, dependencies and blocking reasons.
- Rules: BLOCK rejects a transition, LIMIT warns, GUIDE suggests, ENHANCE records context.
  The default catalog from agentpm.yml is seeded once per project.
- Journal: every transition, rejection and seeding is appended; view it with 'apm log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTPM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on events")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides agentpm.yml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(workItemCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(allowedCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withRuntime opens the workspace for one command. The journal is drained
// before it returns.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) (err error) {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		ActorID:   viper.GetString("actor-id"),
		Logger:    newLogger(),
		Source:    "cli",
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, rt)
}

// exitCode distinguishes policy outcomes so agents can branch on them.
func exitCode(err error) int {
	switch {
	case engine.IsRuleViolation(err):
		return 3
	case engine.IsIllegalTransition(err):
		return 4
	case engine.IsValidation(err), errors.Is(err, repo.ErrCrossProject):
		return 2
	}
	return 1
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

// parseMeta turns k=v pairs into a metadata map. Values that parse as JSON
// keep their type; anything else is a string.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out, nil
}
