package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"agentpm/internal/app"
	"agentpm/internal/domain"
	"agentpm/internal/events"
	"agentpm/internal/server"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect and toggle project rules"}
	cmd.AddCommand(rulesListCmd(), rulesSeedCmd(), rulesToggleCmd("enable", true), rulesToggleCmd("disable", false))
	return cmd
}

func rulesListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the project's rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				var list []domain.Rule
				if enabledOnly {
					list, err = rt.Repo.ListEnabledRules(ctx, p.ID)
				} else {
					list, err = rt.Repo.ListRules(ctx, p.ID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Code", "Level", "Enabled", "Applies To", "Targets", "Name"})
				for _, r := range list {
					t.AppendRow(table.Row{r.Code, r.Level, r.Enabled, joinTypes(r.AppliesTo), joinStatuses(r.Targets), r.Name})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled-only", false, "hide disabled rules")
	return cmd
}

func rulesSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed the default catalog if the project has no rules yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				seeded, count, err := rt.Engine.SeedRules(ctx, p.ID, rt.ActorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"seeded": seeded, "count": count})
				}
				if !seeded {
					fmt.Printf("project %s already has rules\n", p.ID)
					return nil
				}
				fmt.Printf("seeded %d rules into %s\n", count, p.ID)
				return nil
			})
		},
	}
}

func rulesToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <code>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a rule by code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				if err := rt.Repo.SetRuleEnabled(ctx, p.ID, args[0], enabled); err != nil {
					return err
				}
				fmt.Printf("%s %sd\n", args[0], verb)
				return nil
			})
		},
	}
}

func joinTypes(types []domain.EntityType) string {
	if len(types) == 0 {
		return "*"
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return strings.Join(out, ",")
}

func joinStatuses(statuses []domain.Status) string {
	if len(statuses) == 0 {
		return "*"
	}
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return strings.Join(out, ",")
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Read the audit journal"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var (
		limit                                  int
		eventType, category, severity, session string
		entityType, entityID, since            string
		allProjects                            bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := events.Filter{
				Type:      eventType,
				Category:  category,
				Severity:  domain.Severity(severity),
				SessionID: session,
				EntityID:  entityID,
				Limit:     limit,
				Latest:    true,
			}
			if entityType != "" {
				et, err := parseEntityArg(entityType)
				if err != nil {
					return err
				}
				f.EntityType = et
			}
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				f.Since = time.Now().UTC().Add(-d)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if !allProjects {
					p, err := rt.ResolveProject(ctx, viper.GetString("project"))
					if err != nil {
						return err
					}
					f.ProjectID = p.ID
				}
				evts, err := rt.Events.Query(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Seq", "Time", "Type", "Severity", "Actor", "Entity", "Detail"})
				for _, e := range evts {
					t.AppendRow(table.Row{e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.Severity, e.ActorID, eventEntity(e), eventDetail(e)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&eventType, "type", "", "event type, e.g. workflow.transition")
	cmd.Flags().StringVar(&category, "category", "", "event category, e.g. workflow")
	cmd.Flags().StringVar(&severity, "severity", "", "info, warning, error or critical")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "work-item or task")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "work item or task id")
	cmd.Flags().StringVar(&since, "since", "", "only events newer than this duration, e.g. 1h")
	cmd.Flags().BoolVar(&allProjects, "all-projects", false, "do not restrict to the current project")
	return cmd
}

func eventEntity(e domain.Event) string {
	switch {
	case e.TaskID != "":
		return "task:" + e.TaskID
	case e.WorkItemID != "":
		return "work_item:" + e.WorkItemID
	}
	return e.ProjectID
}

func eventDetail(e domain.Event) string {
	p := e.Payload
	switch e.Type {
	case domain.EventTransition:
		return fmt.Sprintf("%v -> %v", p["previous_status"], p["new_status"])
	case domain.EventTransitionRejected:
		return fmt.Sprintf("%v -> %v blocked by %v", p["previous_status"], p["requested"], p["rule_ids"])
	case domain.EventRulesSeeded:
		return fmt.Sprintf("%v rules", p["count"])
	case domain.EventRuleAmbiguous:
		return fmt.Sprintf("%v: %v", p["rule_id"], p["reason"])
	case domain.EventRuleSeeding:
		return fmt.Sprint(p["error"])
	case domain.EventEntityCreated:
		return fmt.Sprintf("%v %v", p["entity_type"], p["name"])
	}
	return ""
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			rt, err := app.Open(cmd.Context(), app.Options{
				Workspace: viper.GetString("workspace"),
				ActorID:   viper.GetString("actor-id"),
				Logger:    logger,
				Source:    "api",
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr == "" {
				addr = rt.Config.Server.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Server.BasePath
			}
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				secret = rt.Config.Server.JWTSecret
			}
			handler, err := server.New(server.Config{
				Runtime:  rt,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:        secret,
					AllowActorHeader: rt.Config.Server.AllowActorHeader,
					Logger:           logger,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("listening", "addr", ln.Addr().String(), "base_path", basePath)
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := viper.GetString("jwt_secret")
				if secret == "" {
					secret = rt.Config.Server.JWTSecret
				}
				token, err := server.SignToken(secret, rt.ActorID, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}
