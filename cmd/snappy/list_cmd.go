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
	listIcon  string
	shareRole string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Manage lists",
}

var listShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show your lists",
	RunE:  runListShow,
}

var listAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Create a list",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runListAdd,
}

var listRenameCmd = &cobra.Command{
	Use:   "rename [list-id] [new-name]",
	Short: "Rename a list",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runListRename,
}

var listShareCmd = &cobra.Command{
	Use:   "share [list-id] [user-id]",
	Short: "Share a list with a collaborator",
	Args:  cobra.ExactArgs(2),
	RunE:  runListShare,
}

var listRmCmd = &cobra.Command{
	Use:   "rm [list-id]",
	Short: "Delete a list",
	Args:  cobra.ExactArgs(1),
	RunE:  runListRm,
}

func init() {
	listAddCmd.Flags().StringVar(&listIcon, "icon", "", "list icon")
	listShareCmd.Flags().StringVar(&shareRole, "role", "viewer", "collaborator role (editor or viewer)")

	listCmd.AddCommand(listShowCmd)
	listCmd.AddCommand(listAddCmd)
	listCmd.AddCommand(listRenameCmd)
	listCmd.AddCommand(listShareCmd)
	listCmd.AddCommand(listRmCmd)
}

func runListShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	lists, err := a.ctl.Lists(cmd.Context())
	if err != nil {
		return err
	}
	if len(lists) == 0 {
		fmt.Println("No lists.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOLLABORATORS")
	for _, l := range lists {
		fmt.Fprintf(w, "%s\t%s\t%d\n", l.ID, l.Name, len(l.Collaborators))
	}
	return w.Flush()
}

func runListAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.ctl.CreateList(cmd.Context(), api.ListDraft{
		Name: strings.Join(args, " "),
		Icon: listIcon,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created list: %s\n", list.Name)
	return nil
}

func runListRename(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	name := strings.Join(args[1:], " ")
	if err := a.ctl.UpdateList(cmd.Context(), args[0], api.ListPatch{Name: &name}); err != nil {
		return err
	}
	fmt.Println("Renamed.")
	return nil
}

func runListShare(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	role := models.CollaboratorRole(shareRole)
	if role != models.RoleEditor && role != models.RoleViewer {
		return fmt.Errorf("role must be editor or viewer")
	}

	// Fetch current collaborators so the patch extends rather than
	// replaces them.
	lists, err := a.ctl.Lists(cmd.Context())
	if err != nil {
		return err
	}
	var current []models.Collaborator
	found := false
	for _, l := range lists {
		if l.ID == args[0] {
			current = l.Collaborators
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("list %s not found", args[0])
	}

	collaborators := append(current, models.Collaborator{UserID: args[1], Role: role})
	if err := a.ctl.UpdateList(cmd.Context(), args[0], api.ListPatch{Collaborators: collaborators}); err != nil {
		return err
	}
	fmt.Printf("Shared with %s as %s.\n", args[1], role)
	return nil
}

func runListRm(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.ctl.DeleteList(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println("Deleted.")
	return nil
}
