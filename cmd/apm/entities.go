package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentpm/internal/app"
	"agentpm/internal/config"
	"agentpm/internal/domain"
	"agentpm/internal/engine"
	"agentpm/internal/repo"
)

func initCmd() *cobra.Command {
	var projectID, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create agentpm.yml, the project and its default rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				projectID = viper.GetString("project")
			}
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			written, err := config.WriteDefault(viper.GetString("workspace"), projectID)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Intake.EnsureProject(ctx, projectID, name, rt.ActorID)
				if err != nil {
					return err
				}
				seeded, count, err := rt.Engine.SeedRules(ctx, p.ID, rt.ActorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project": p, "config_written": written, "rules_seeded": seeded, "rule_count": count,
					})
				}
				if written {
					fmt.Printf("wrote %s\n", config.Path(rt.Workspace))
				}
				fmt.Printf("project %s ready", p.ID)
				if seeded {
					fmt.Printf(", %d rules seeded", count)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id (defaults to --project)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	return cmd
}

func workItemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "work-item", Aliases: []string{"wi"}, Short: "Manage work items"}
	cmd.AddCommand(workItemCreateCmd(), workItemShowCmd(), workItemListCmd(), workItemMoveCmd())
	return cmd
}

func workItemCreateCmd() *cobra.Command {
	var (
		name, wiType, phase, parent string
		priority                    int
		effort                      float64
		meta                        []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item in draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				w, err := rt.Intake.CreateWorkItem(ctx, engine.WorkItemInput{
					ProjectID:   p.ID,
					ParentID:    parent,
					Name:        name,
					Type:        domain.WorkItemType(wiType),
					Phase:       domain.Phase(phase),
					Priority:    priority,
					EffortHours: effort,
					Metadata:    metadata,
					ActorID:     rt.ActorID,
					SessionID:   rt.SessionID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "work item name")
	cmd.Flags().StringVar(&wiType, "type", "feature", "feature, analysis, objective or research")
	cmd.Flags().StringVar(&phase, "phase", "", "lifecycle phase")
	cmd.Flags().StringVar(&parent, "parent", "", "parent work item id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1 (highest) to 5; 0 uses the default")
	cmd.Flags().Float64Var(&effort, "effort", 0, "effort estimate in hours")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workItemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func workItemListCmd() *cobra.Command {
	var status, parent string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items of the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				items, err := rt.Repo.ListWorkItems(ctx, repo.WorkItemFilters{ProjectID: p.ID, Status: status, ParentID: parent})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Type", "Status", "Priority", "Effort", "Name"})
				for _, w := range items {
					t.AppendRow(table.Row{w.ID, w.Type, w.Status, w.Priority, w.EffortHours, w.Name})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent work item")
	return cmd
}

func workItemMoveCmd() *cobra.Command {
	var parent string
	var top bool
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Change the parent of a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if top == (parent != "") {
				return fmt.Errorf("exactly one of --parent or --top is required")
			}
			var parentID *string
			if !top {
				parentID = &parent
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Intake.MoveWorkItem(ctx, args[0], parentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "new parent work item id")
	cmd.Flags().BoolVar(&top, "top", false, "detach from any parent")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(taskCreateCmd(), taskShowCmd(), taskListCmd(), taskDependCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var (
		workItemID, name, taskType, agent string
		priority                          int
		effort                            float64
		dependsOn, meta                   []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Intake.CreateTask(ctx, engine.TaskInput{
					WorkItemID:    workItemID,
					Name:          name,
					Type:          domain.TaskType(taskType),
					Priority:      priority,
					EffortHours:   effort,
					AssignedAgent: agent,
					DependsOn:     dependsOn,
					Metadata:      metadata,
					ActorID:       rt.ActorID,
					SessionID:     rt.SessionID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&workItemID, "work-item", "", "owning work item id")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&taskType, "type", "implementation", "task type")
	cmd.Flags().StringVar(&agent, "agent", "", "assigned agent")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 1 (highest) to 5; 0 uses the default")
	cmd.Flags().Float64Var(&effort, "effort", 0, "effort estimate in hours")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task ids this task depends on")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("work-item")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var workItemID, status, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f := repo.TaskFilters{WorkItemID: workItemID, Status: status, Assignee: assignee}
				if workItemID == "" {
					p, err := rt.ResolveProject(ctx, viper.GetString("project"))
					if err != nil {
						return err
					}
					f.ProjectID = p.ID
				}
				tasks, err := rt.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Type", "Status", "Effort", "Agent", "Name"})
				for _, task := range tasks {
					agent := ""
					if task.AssignedAgent != nil {
						agent = *task.AssignedAgent
					}
					t.AppendRow(table.Row{task.ID, task.Type, task.Status, task.EffortHours, agent, task.Name})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workItemID, "work-item", "", "filter by work item")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assigned agent")
	return cmd
}

func taskDependCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "depend <task-id> <depends-on-id>",
		Short: "Record that a task depends on another task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Intake.AddDependency(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s now depends on %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func parseEntityArg(s string) (domain.EntityType, error) {
	et, ok := domain.ParseEntityType(s)
	if !ok {
		return "", fmt.Errorf("unknown entity type %q (want work-item or task)", s)
	}
	return et, nil
}

func transitionCmd() *cobra.Command {
	var meta []string
	var reason, session string
	cmd := &cobra.Command{
		Use:   "transition <entity-type> <id> <status>",
		Short: "Move a work item or task to a new status",
		Example: `  apm transition task 4f1c... ready
  apm transition task 4f1c... blocked --reason "waiting on API keys"
  apm transition task 4f1c... active --meta resolution="keys issued"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := parseEntityArg(args[0])
			if err != nil {
				return err
			}
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			if reason != "" {
				if metadata == nil {
					metadata = map[string]any{}
				}
				metadata["reason"] = reason
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if session == "" {
					session = rt.SessionID
				}
				res, err := rt.Engine.Transition(ctx, engine.TransitionRequest{
					EntityType: et,
					EntityID:   args[1],
					Target:     domain.Status(strings.ToLower(args[2])),
					Metadata:   metadata,
					ActorID:    rt.ActorID,
					SessionID:  session,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch {
				case res.NoOp:
					fmt.Printf("%s %s already %s\n", et, args[1], res.To)
				default:
					fmt.Printf("%s %s: %s -> %s\n", et, args[1], res.From, res.To)
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				for _, g := range res.Guidance {
					fmt.Println("guidance:", g)
				}
				for _, f := range res.Findings {
					fmt.Fprintln(os.Stderr, "finding:", f)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value visible to rules (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "blocking reason when moving a task to blocked")
	cmd.Flags().StringVar(&session, "session", "", "session id to record (defaults to this process)")
	return cmd
}

func allowedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allowed <entity-type> <id>",
		Short: "List the statuses an entity may move to next",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := parseEntityArg(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				current, next, err := rt.Engine.AllowedTransitions(ctx, et, args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"current": current, "allowed": next})
				}
				names := make([]string, 0, len(next))
				for _, s := range next {
					names = append(names, string(s))
				}
				fmt.Printf("%s -> %s\n", current, strings.Join(names, ", "))
				return nil
			})
		},
	}
}
