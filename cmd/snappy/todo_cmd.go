package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snappyhq/snappy-go/internal/api"
	"github.com/snappyhq/snappy-go/internal/models"
)

var (
	todoNote     string
	todoPriority int
	todoListID   string
	todoStatus   string
)

var todoCmd = &cobra.Command{
	Use:   "todo",
	Short: "Manage tasks",
}

var todoAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Add a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTodoAdd,
}

var todoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTodoList,
}

var todoDoneCmd = &cobra.Command{
	Use:   "done [task-id]",
	Short: "Toggle a task between done and todo",
	Args:  cobra.ExactArgs(1),
	RunE:  runTodoDone,
}

var todoStartCmd = &cobra.Command{
	Use:   "start [task-id]",
	Short: "Mark a task in progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runTodoStart,
}

var todoRmCmd = &cobra.Command{
	Use:   "rm [task-id]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTodoRm,
}

func init() {
	todoAddCmd.Flags().StringVar(&todoNote, "note", "", "task note")
	todoAddCmd.Flags().IntVar(&todoPriority, "priority", 0, "priority 0-3")
	todoAddCmd.Flags().StringVar(&todoListID, "list", "", "list id")
	todoListCmd.Flags().StringVar(&todoStatus, "status", "", "filter by status (todo, in-progress, done)")
	todoListCmd.Flags().StringVar(&todoListID, "list", "", "filter by list id")

	todoCmd.AddCommand(todoAddCmd)
	todoCmd.AddCommand(todoListCmd)
	todoCmd.AddCommand(todoDoneCmd)
	todoCmd.AddCommand(todoStartCmd)
	todoCmd.AddCommand(todoRmCmd)
}

func runTodoAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if todoPriority < 0 || todoPriority > 3 {
		return fmt.Errorf("priority must be between 0 and 3")
	}

	draft := api.TaskDraft{
		Title:    strings.Join(args, " "),
		Note:     todoNote,
		Priority: models.Priority(todoPriority),
		ListID:   todoListID,
	}
	task, err := a.ctl.CreateTask(cmd.Context(), draft)
	if err != nil {
		return err
	}
	fmt.Printf("Added: %s\n", task.Title)
	return nil
}

func runTodoList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	filter := api.TaskFilter{
		Status: models.TaskStatus(todoStatus),
		ListID: todoListID,
	}
	if todoStatus != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", todoStatus)
	}

	tasks, err := a.ctl.Todos(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tTITLE")
	for _, t := range tasks {
		mark := string(t.Status)
		if t.Pending() {
			mark += " (syncing)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, mark, t.Priority, t.Title)
	}
	return w.Flush()
}

func runTodoDone(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	// Populate the cache so the toggle knows the current status.
	if _, err := a.ctl.Todos(cmd.Context(), api.TaskFilter{}); err != nil {
		return err
	}
	if err := a.ctl.ToggleTask(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println("Toggled.")
	return nil
}

func runTodoStart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	status := models.TaskStatusInProgress
	if err := a.ctl.UpdateTask(cmd.Context(), args[0], api.TaskPatch{Status: &status}); err != nil {
		return err
	}
	fmt.Println("Started.")
	return nil
}

func runTodoRm(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.ctl.DeleteTask(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println("Deleted.")
	return nil
}
