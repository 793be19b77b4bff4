package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskbridge/internal/app"
	"taskbridge/internal/gamification"
	taskbridgesdk "taskbridge/sdk/go"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Move tasks through the lifecycle"}
	task.AddCommand(taskTakeCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskInfoCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskMineCmd())
	return task
}

func taskTakeCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "take <task-id>",
		Short: "Take a To Do task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return printResult(b.Take(ctx, args[0], comment))
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment posted on the card")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Send your task to review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return printResult(b.Complete(ctx, args[0], comment))
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "what was done")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a task in review (elevated)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return printResult(b.Approve(ctx, args[0], comment))
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "review notes")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Return an in-progress task to To Do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return printResult(b.Release(ctx, args[0], reason))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is released")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var target, comment string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Assign a To Do task to someone else (elevated)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				return printResult(b.Assign(ctx, args[0], target, comment))
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "user id or username of the new owner")
	cmd.Flags().StringVar(&comment, "comment", "", "optional note for the assignee")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <task-id>",
		Short: "Show a task with its deadline and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				d, err := b.Task(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				t := d.Task
				fmt.Printf("%s  %s\n", t.ID, t.Title)
				fmt.Printf("phase:     %s\n", t.Phase)
				fmt.Printf("type:      %s\n", d.Type)
				fmt.Printf("assignee:  %s\n", assigneeNames(t))
				fmt.Printf("deadline:  %s (%.1fh)\n", d.Deadline.Status, d.Deadline.ElapsedHours)
				if d.Responsibility != "" {
					fmt.Printf("held for:  %s\n", d.Responsibility)
				}
				if t.Description != "" {
					fmt.Printf("\n%s\n", t.Description)
				}
				if len(d.History) > 0 {
					tw := newTable()
					tw.AppendHeader(table.Row{"When", "Event", "Actor"})
					for _, h := range d.History {
						tw.AppendRow(table.Row{h.TS, h.Type, h.ActorID})
					}
					fmt.Println()
					tw.Render()
				}
				return nil
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <phase>",
		Short: "List tasks in a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				l, err := b.ListPhase(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(l)
				}
				tw := newTable()
				tw.SetTitle(fmt.Sprintf("%s (%d)", l.Phase, len(l.Tasks)))
				tw.AppendHeader(table.Row{"ID", "Title"})
				for _, t := range l.Tasks {
					tw.AppendRow(table.Row{t.ID, t.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum tasks to show")
	return cmd
}

func taskMineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "List your in-progress and in-review tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				m, err := b.MyTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := newTable()
				tw.SetTitle(m.Email)
				tw.AppendHeader(table.Row{"ID", "Title", "Phase", "Deadline", "Hours"})
				for _, s := range m.Tasks {
					tw.AppendRow(table.Row{s.Task.ID, s.Task.Title, s.Task.Phase, s.Deadline.Status, fmt.Sprintf("%.1f", s.Deadline.ElapsedHours)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Task counts per phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				d, err := b.Dashboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Phase", "Tasks"})
				for _, p := range []string{"backlog", "todo", "in_progress", "in_review", "blocked", "done"} {
					tw.AppendRow(table.Row{p, d.Counts[p]})
				}
				tw.AppendFooter(table.Row{"total", d.Total})
				tw.Render()
				fmt.Printf("active developers: %d  overdue: %d\n", d.ActiveDevelopers, d.Overdue)
				if len(d.Degraded) > 0 {
					fmt.Printf("warning: could not load %s\n", strings.Join(d.Degraded, ", "))
				}
				return nil
			})
		},
	}
}

func leaderboardCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Top users by points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				items, err := b.Leaderboard(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "User", "Points", "Level"})
				for i, e := range items {
					name := e.Username
					if name == "" {
						name = e.UserID
					}
					tw.AppendRow(table.Row{i + 1, name, e.Points, e.Level})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 10, "number of users")
	return cmd
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Your points, level and achievements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				p, err := b.Profile(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s  level %d %s  %d points", displayName(p.Username, p.UserID), p.Level.Number, p.Level.Name, p.Points)
				if p.Rank > 0 {
					fmt.Printf("  rank #%d", p.Rank)
				}
				fmt.Println()
				if p.NextLevel != nil {
					fmt.Printf("next: %s in %d points\n", p.NextLevel.Name, p.NextLevel.MinPoints-p.Points)
				}
				fmt.Printf("streak %d days, %d completed, %d approved\n", p.Streak, p.TasksCompleted, p.TasksApproved)
				fmt.Printf("this week: %d points, %d tasks\n", p.WeeklyPoints, p.WeeklyTasks)
				if len(p.Achievements) > 0 {
					fmt.Printf("achievements: %s\n", strings.Join(p.Achievements, ", "))
				}
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Inspect the local audit log"}
	audit.AddCommand(auditTailCmd())
	return audit
}

func auditTailCmd() *cobra.Command {
	var q taskbridgesdk.EventsQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, b backend) error {
				page, err := b.ListEvents(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Task", "Actor"})
				for _, e := range page.Items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("more: --cursor %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.EntityID, "entity-id", "", "task id filter")
	cmd.Flags().StringVar(&q.ActorID, "actor-id", "", "actor filter")
	cmd.Flags().StringVar(&q.Cursor, "cursor", "", "continue from a previous page")
	return cmd
}

func gamificationCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gamification",
		Short: "Administer points and achievements (local, elevated)",
	}
	g.AddCommand(gamificationAwardCmd())
	g.AddCommand(gamificationUnlockCmd())
	g.AddCommand(gamificationResetCmd())
	return g
}

// withAdmin runs fn in-process after checking the local user is elevated.
func withAdmin(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		caller := localCaller()
		if !a.Engine.Policy.Elevated(caller) {
			return fmt.Errorf("gamification commands need an elevated --user-id")
		}
		return fn(ctx, a)
	})
}

func gamificationAwardCmd() *cobra.Command {
	var kind, taskID, username string
	cmd := &cobra.Command{
		Use:   "award <user-id> <points>",
		Short: "Award points to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("points must be a number: %w", err)
			}
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App) error {
				award, err := a.Ledger.AwardPoints(args[0], points, gamification.EventKind(kind), gamification.EventContext{TaskID: taskID, Username: username})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(award)
				}
				fmt.Printf("%s: +%d points, total %d, level %d %s\n", award.UserID, award.PointsAdded, award.TotalPoints, award.NewLevel, award.LevelName)
				for _, ach := range award.Unlocked {
					fmt.Printf("unlocked %s %s (+%d)\n", ach.Icon, ach.Name, ach.Points)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(gamification.KindManualAdjustment), "event kind: task_completed, task_approved, helped_teammate, task_assigned_to_others, manual_adjustment")
	cmd.Flags().StringVar(&taskID, "task", "", "related task id")
	cmd.Flags().StringVar(&username, "username", "", "display name to store")
	return cmd
}

func gamificationUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <user-id> <achievement-id>",
		Short: "Grant an achievement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := gamification.LookupAchievement(args[1]); !ok {
				ids := make([]string, 0, len(gamification.Catalog()))
				for _, a := range gamification.Catalog() {
					ids = append(ids, a.ID)
				}
				return fmt.Errorf("unknown achievement %q; known: %s", args[1], strings.Join(ids, ", "))
			}
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App) error {
				unlocked, err := a.Ledger.Unlock(args[0], args[1])
				if err != nil {
					return err
				}
				if !unlocked {
					fmt.Printf("%s already has %s\n", args[0], args[1])
					return nil
				}
				fmt.Printf("unlocked %s for %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func gamificationResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-weekly",
		Short: "Close the current week now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.ResetWeekly(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("week closed: %d active users, %d tasks, %d points\n", stats.ActiveUsers, stats.TasksCompleted, stats.PointsEarned)
				if stats.TopPerformer != nil {
					fmt.Printf("top performer: %s\n", displayName(stats.TopPerformer.Username, stats.TopPerformer.UserID))
				}
				return nil
			})
		},
	}
}

func printResult(res taskbridgesdk.Result, err error) error {
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.NoOp {
		fmt.Println(res.Warning)
		return nil
	}
	fmt.Printf("%s %s: %s -> %s\n", res.Operation, res.Task.ID, res.From, res.To)
	if res.Task.Title != "" {
		fmt.Printf("  %s\n", res.Task.Title)
	}
	if res.Assignee != "" {
		fmt.Printf("  assignee: %s\n", res.Assignee)
	}
	if res.Responsibility != "" {
		fmt.Printf("  held for %s\n", res.Responsibility)
	}
	if res.Limit != nil && res.Limit.Status == "checked" {
		fmt.Printf("  tasks in progress: %d/%d\n", res.Limit.Current+1, res.Limit.Limit)
	}
	if res.Warning != "" {
		fmt.Printf("  warning: %s\n", res.Warning)
	}
	if a := res.Award; a != nil {
		fmt.Printf("  +%d points for %s (total %d)\n", a.PointsAdded, a.UserID, a.TotalPoints)
		if a.LeveledUp {
			fmt.Printf("  level up: %d %s\n", a.NewLevel, a.LevelName)
		}
		for _, ach := range a.Unlocked {
			fmt.Printf("  unlocked %s %s\n", ach.Icon, ach.Name)
		}
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func assigneeNames(t taskbridgesdk.Task) string {
	names := make([]string, 0, len(t.Assignees))
	for _, a := range t.Assignees {
		names = append(names, displayName(a.Name, a.Email))
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

func displayName(name, fallback string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fallback
}
