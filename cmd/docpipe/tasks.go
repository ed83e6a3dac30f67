package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe/pkg/core"
)

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(a),
		newTasksGetCmd(a),
		newTasksCancelCmd(a),
		newTasksRetryCmd(a),
		newTasksPriorityCmd(a),
		newTasksStatsCmd(a),
	)
	return cmd
}

// filterFlags are the task filters shared by list and stats.
type filterFlags struct {
	statuses   []string
	types      []string
	priorities []string
	sourceType string
	sourceID   string
	parentID   string
	userID     string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringSliceVar(&f.types, "type", nil, "filter by task type (repeatable)")
	cmd.Flags().StringSliceVar(&f.priorities, "priority", nil, "filter by priority (repeatable)")
	cmd.Flags().StringVar(&f.sourceType, "source-type", "", "filter by source type")
	cmd.Flags().StringVar(&f.sourceID, "source-id", "", "filter by source id")
	cmd.Flags().StringVar(&f.parentID, "parent", "", "filter by parent task id")
	cmd.Flags().StringVar(&f.userID, "user", "", "filter by user id")
}

func (f *filterFlags) filter() (core.TaskFilter, error) {
	out := core.TaskFilter{
		SourceType:   f.sourceType,
		SourceID:     f.sourceID,
		ParentTaskID: f.parentID,
		UserID:       f.userID,
	}
	for _, s := range f.statuses {
		st, err := core.ParseTaskStatus(s)
		if err != nil {
			return out, err
		}
		out.Statuses = append(out.Statuses, st)
	}
	for _, s := range f.types {
		tt, err := core.ParseTaskType(s)
		if err != nil {
			return out, err
		}
		out.Types = append(out.Types, tt)
	}
	for _, s := range f.priorities {
		p, err := core.ParsePriority(s)
		if err != nil {
			return out, err
		}
		out.Priorities = append(out.Priorities, p)
	}
	return out, nil
}

func newTasksListCmd(a *app) *cobra.Command {
	var (
		ff     filterFlags
		order  string
		asc    bool
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := ff.filter()
			if err != nil {
				return err
			}
			views, err := a.system(nil).ListTasks(cmd.Context(), filter, core.ListOptions{
				OrderBy:   core.OrderField(order),
				Ascending: asc,
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&order, "order", string(core.OrderByPriority), "order by priority, created_at, started_at, completed_at, status or name")
	cmd.Flags().BoolVar(&asc, "asc", false, "ascending order")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of tasks to skip")
	return cmd
}

func newTasksGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.system(nil).GetTaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newTasksCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending, running or retrying task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.system(nil).CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newTasksRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Re-enqueue a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := a.system(nil).RetryTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newTasksPriorityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <task-id> <LOW|NORMAL|HIGH|URGENT>",
		Short: "Change the priority of a pending or retrying task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := core.ParsePriority(args[1])
			if err != nil {
				return err
			}
			view, err := a.system(nil).SetPriority(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newTasksStatsCmd(a *app) *cobra.Command {
	var (
		ff    filterFlags
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show status counts, success rate and processing times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := ff.filter()
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().UTC().Add(-since)
			}
			st, err := a.system(nil).GetTaskStats(cmd.Context(), filter, from)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	ff.register(cmd)
	cmd.Flags().DurationVar(&since, "since", 0, "only tasks created within this window")
	return cmd
}
