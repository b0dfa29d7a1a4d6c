package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/config"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/internal/tree"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskPauseCmd())
	cmd.AddCommand(taskRestoreCmd())
	cmd.AddCommand(taskDeleteCmd())
	cmd.AddCommand(taskStatusCmd())
	return cmd
}

// withManager loads config and wires a manager for one-shot commands.
func withManager(fn func(ctx context.Context, m *tree.Manager, stores *store.Stores) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	eventBus := bus.New()
	defer eventBus.Close()

	manager, stores, err := buildManager(cfg, eventBus)
	if err != nil {
		return err
	}
	return fn(context.Background(), manager, stores)
}

func taskCreateCmd() *cobra.Command {
	var profileName, globalContext, budgetStr string
	var constraints []string

	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Create a task and start its root agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *tree.Manager, _ *store.Stores) error {
				var rootBudget *decimal.Decimal
				if budgetStr != "" {
					d, err := decimal.NewFromString(budgetStr)
					if err != nil {
						return fmt.Errorf("invalid budget %q: %w", budgetStr, err)
					}
					rootBudget = &d
				}
				task, err := m.CreateTask(ctx, args[0], profileName, globalContext, constraints, rootBudget)
				if err != nil {
					return err
				}
				cmd.Printf("task %s created (status %s)\n", task.ID, task.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", "", "profile name (default: default)")
	cmd.Flags().StringVar(&globalContext, "context", "", "global context injected into every agent")
	cmd.Flags().StringArrayVar(&constraints, "constraint", nil, "global constraint (repeatable)")
	cmd.Flags().StringVar(&budgetStr, "budget", "", "root budget cap (decimal)")
	return cmd
}

func taskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Gracefully drain a task's agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withManager(func(ctx context.Context, m *tree.Manager, _ *store.Stores) error {
				if err := m.PauseTask(ctx, id); err != nil {
					return err
				}
				cmd.Printf("task %s pausing\n", id)
				return nil
			})
		},
	}
}

func taskRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <task-id>",
		Short: "Restore a paused task's agent tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withManager(func(ctx context.Context, m *tree.Manager, _ *store.Stores) error {
				rootID, err := m.RestoreTask(ctx, id)
				if err != nil {
					return err
				}
				cmd.Printf("task %s restored (root agent %s)\n", id, rootID)
				return nil
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Terminate and delete a task with all its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withManager(func(ctx context.Context, m *tree.Manager, _ *store.Stores) error {
				if err := m.DeleteTask(ctx, id); err != nil {
					return err
				}
				cmd.Printf("task %s deleted\n", id)
				return nil
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show task status (all tasks without an id)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, _ *tree.Manager, stores *store.Stores) error {
				if len(args) == 1 {
					id, err := uuid.Parse(args[0])
					if err != nil {
						return err
					}
					task, err := stores.Tasks.Get(ctx, id)
					if err != nil {
						return err
					}
					printTask(cmd, task)
					agents, err := stores.Agents.ListForTask(ctx, id)
					if err != nil {
						return err
					}
					for _, a := range agents {
						parent := a.ParentID
						if parent == "" {
							parent = "-"
						}
						cmd.Printf("  agent %s status=%s parent=%s\n", a.AgentID, a.Status, parent)
					}
					return nil
				}

				tasks, err := stores.Tasks.List(ctx, "")
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintln(os.Stderr, "no tasks")
					return nil
				}
				for _, t := range tasks {
					printTask(cmd, t)
				}
				return nil
			})
		},
	}
}

func printTask(cmd *cobra.Command, t *store.Task) {
	cmd.Printf("task %s status=%s profile=%s prompt=%q\n", t.ID, t.Status, t.ProfileName, t.Prompt)
	if t.ErrorMessage != "" {
		cmd.Printf("  error: %s\n", t.ErrorMessage)
	}
}
