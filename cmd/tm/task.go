package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tidemark-app/tidemark/internal/projection"
	"github.com/tidemark-app/tidemark/internal/record"
	"github.com/tidemark-app/tidemark/internal/ui"
)

var (
	addNotes    string
	addDue      string
	addPriority string
	addTags     []string

	listTag     string
	listAll     bool
	listPending bool

	editTitle    string
	editNotes    string
	editDue      string
	editPriority string
	editTags     []string
)

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "records",
	Short:   "Add a task",
	Long: `Add a task to the local cache. The task is usable immediately and
is pushed to the server on the next sync.

The due date accepts natural language ("tomorrow 9am", "next friday")
as well as YYYY-MM-DD.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		fields := record.Fields{
			record.FieldTitle:  record.TextValue(strings.Join(args, " ")),
			record.FieldStatus: record.EnumValue(record.StatusOpen),
		}
		if addNotes != "" {
			fields[record.FieldNotes] = record.TextValue(addNotes)
		}
		if addPriority != "" {
			fields[record.FieldPriority] = record.EnumValue(addPriority)
		}
		if len(addTags) > 0 {
			fields[record.FieldTags] = record.SetValue(addTags...)
		}
		if addDue != "" {
			due, err := parseDue(addDue)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fields[record.FieldDue] = record.DateValue(due)
		}

		rec, err := a.proj.Create(context.Background(), fields)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Added %s\n", ui.RenderPass("✓"), ui.RenderAccent(rec.ID))
		if a.engine == nil {
			fmt.Println(ui.RenderDim("   (offline cache only; configure server.url to sync)"))
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		filter := projection.Filter{Tag: listTag}
		records, _, cancel, err := a.proj.Observe(filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cancel()

		shown := 0
		for _, rec := range records {
			if listPending && !rec.Status.Pending() {
				continue
			}
			if !listAll && rec.Done() {
				continue
			}
			fmt.Println(ui.RecordLine(rec))
			shown++
		}
		if shown == 0 {
			fmt.Println(ui.RenderDim("No tasks. Add one with 'tm add'."))
		}
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "records",
	Short:   "Mark a task done",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		rec, err := a.proj.Complete(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Done: %s\n", ui.RenderPass("✓"), rec.Title())
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "records",
	Short:   "Edit a task's fields",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		diff := record.Fields{}
		if editTitle != "" {
			diff[record.FieldTitle] = record.TextValue(editTitle)
		}
		if editNotes != "" {
			diff[record.FieldNotes] = record.TextValue(editNotes)
		}
		if editPriority != "" {
			diff[record.FieldPriority] = record.EnumValue(editPriority)
		}
		if len(editTags) > 0 {
			diff[record.FieldTags] = record.SetValue(editTags...)
		}
		if editDue != "" {
			due, err := parseDue(editDue)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			diff[record.FieldDue] = record.DateValue(due)
		}
		if len(diff) == 0 {
			fmt.Fprintf(os.Stderr, "Error: nothing to change (see 'tm edit --help')\n")
			os.Exit(1)
		}

		rec, err := a.proj.Update(context.Background(), args[0], diff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), ui.RenderAccent(rec.ID))
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "records",
	Short:   "Delete a task",
	Long: `Delete a task. The task disappears from lists immediately; if the
server already knows it, the deletion is propagated on the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if err := a.proj.Delete(context.Background(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), ui.RenderAccent(args[0]))
	},
}

// parseDue turns natural language or YYYY-MM-DD into a due time.
func parseDue(text string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	if r, err := w.Parse(text, time.Now()); err == nil && r != nil {
		return r.Time, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("could not understand due date %q", text)
}

func init() {
	addCmd.Flags().StringVarP(&addNotes, "notes", "n", "", "free-form notes")
	addCmd.Flags().StringVarP(&addDue, "due", "d", "", "due date (natural language or YYYY-MM-DD)")
	addCmd.Flags().StringVarP(&addPriority, "priority", "p", "", "priority (low, medium, high)")
	addCmd.Flags().StringSliceVarP(&addTags, "tag", "t", nil, "tag (repeatable)")

	listCmd.Flags().StringVarP(&listTag, "tag", "t", "", "only tasks with this tag")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include completed tasks")
	listCmd.Flags().BoolVar(&listPending, "pending", false, "only tasks with unsynced changes")

	editCmd.Flags().StringVar(&editTitle, "title", "", "new title")
	editCmd.Flags().StringVarP(&editNotes, "notes", "n", "", "new notes")
	editCmd.Flags().StringVarP(&editDue, "due", "d", "", "new due date")
	editCmd.Flags().StringVarP(&editPriority, "priority", "p", "", "new priority")
	editCmd.Flags().StringSliceVarP(&editTags, "tag", "t", nil, "replacement tag set (repeatable)")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
}
