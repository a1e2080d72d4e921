// Package ui holds terminal rendering helpers shared by the CLI
// commands: styles, sync-status badges, and record list formatting.
//
// All helpers degrade to plain text when stdout is not a terminal, so
// command output stays pipe-friendly.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tidemark-app/tidemark/internal/record"
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

// IsTTY reports whether stdout is an interactive terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !IsTTY() {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights identifiers and titles.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderDim de-emphasizes secondary detail.
func RenderDim(s string) string { return render(dimStyle, s) }

// RenderWarn marks text needing user attention.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderErr marks failures.
func RenderErr(s string) string { return render(errorStyle, s) }

// RenderPass marks completed outcomes.
func RenderPass(s string) string { return render(successStyle, s) }

// StatusBadge renders a short badge for a record's sync status.
func StatusBadge(rec *record.Record) string {
	if rec.NeedsAttention {
		return RenderErr("[attention]")
	}
	switch rec.Status {
	case record.StatusSynced:
		return RenderDim("[synced]")
	case record.StatusPendingCreate, record.StatusPendingUpdate:
		return RenderWarn("[pending]")
	case record.StatusPendingDelete:
		return RenderWarn("[deleting]")
	case record.StatusConflict:
		return RenderErr("[conflict]")
	default:
		return RenderDim("[" + string(rec.Status) + "]")
	}
}

// RecordLine formats one record for list output.
func RecordLine(rec *record.Record) string {
	var b strings.Builder
	b.WriteString(RenderAccent(rec.ID))
	b.WriteString("  ")
	b.WriteString(StatusBadge(rec))
	b.WriteString("  ")

	title := rec.Title()
	if title == "" {
		title = RenderDim("(untitled)")
	}
	if rec.Done() {
		title = RenderDim(title + " ✓")
	}
	b.WriteString(title)

	if due, ok := rec.Fields[record.FieldDue]; ok && due.Kind == record.KindDate {
		b.WriteString("  ")
		b.WriteString(RenderDim("due " + due.Time.Local().Format("2006-01-02 15:04")))
	}
	if tags := rec.Tags(); len(tags) > 0 {
		b.WriteString("  ")
		b.WriteString(RenderDim("#" + strings.Join(tags, " #")))
	}
	return b.String()
}

// Age renders how long ago t was, coarsely.
func Age(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
