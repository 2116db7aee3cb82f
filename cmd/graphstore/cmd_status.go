package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/dd0wney/graphstore/pkg/storage"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF"))

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Width(22)

	okStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).Bold(true)
	badStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
)

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	st := s.GetStatus()
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
	return nil
}

func row(label string, value any) string {
	return labelStyle.Render(label) + fmt.Sprint(value)
}

// renderStatus lays the status out as bordered sections.
func renderStatus(st storage.Status) string {
	state := okStyle.Render(st.State)
	if st.State != storage.StateOpen.String() {
		state = badStyle.Render(st.State)
	}

	store := []string{
		row("State", state),
		row("Nodes", st.NodeCount),
		row("Relations", st.RelationCount),
		row("Transactions", st.Counters.Transactions),
		row("Rolled back", st.Counters.RolledBack),
		row("Truncatable actions", st.Counters.TruncatableActions),
		row("Actions since save", st.Counters.ActionsSinceSave),
		row("Gate", st.Gate),
	}
	if st.Error != "" {
		store = append(store, row("Error", badStyle.Render(st.Error)))
	}

	log := []string{
		row("File", st.WAL.Path),
		row("Sequence", st.WAL.Sequence),
		row("ID", st.WAL.ID),
		row("Size", st.WAL.Size),
		row("Durable", st.WAL.DurableSize),
		row("Compressed", st.WAL.Compressed),
		row("Rewriting", st.Rewriting),
	}

	sections := []string{
		titleStyle.Render("graphstore"),
		boxStyle.Render(strings.Join(store, "\n")),
		boxStyle.Render(strings.Join(log, "\n")),
	}

	if len(st.Activities) > 0 {
		acts := make([]string, 0, len(st.Activities))
		for _, a := range st.Activities {
			pct := "    -"
			if a.Percent != nil {
				pct = fmt.Sprintf("%5.1f%%", *a.Percent)
			}
			acts = append(acts, fmt.Sprintf("%-12s %s  %s", a.Category, pct, a.Description))
		}
		sections = append(sections, boxStyle.Render(strings.Join(acts, "\n")))
	}
	if len(st.Locks) > 0 {
		locks := make([]string, 0, len(st.Locks))
		for _, l := range st.Locks {
			locks = append(locks, fmt.Sprintf("node %-8d %s  %s", l.NodeID, l.ID, l.Duration))
		}
		sections = append(sections, boxStyle.Render(strings.Join(locks, "\n")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
