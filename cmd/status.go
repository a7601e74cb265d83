package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/catalog"
	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/state"
	gosync "github.com/dopejs/tally/internal/sync"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's and this week's counts against the targets",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app.App) error {
		if _, err := a.CheckDate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderStatus(a.State.Get(), a.Catalog.Goals(), a.SyncStatus()))
		return nil
	})
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("7")).Width(26)
	cellStyle  = lipgloss.NewStyle().Width(12).Align(lipgloss.Right)
	metStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	overStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderStatus draws the status table. Daily goals show today and the week;
// weekly goals only the week.
func renderStatus(p state.Period, goals []catalog.Goal, st *gosync.Status) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Today %s", p.CurrentDayDate)))
	b.WriteString(labelStyle.Render(fmt.Sprintf("  week of %s", p.CurrentWeekStartDate)))
	b.WriteString("\n\n")

	b.WriteString(nameStyle.Render(labelStyle.Render("Goal")))
	b.WriteString(cellStyle.Render(labelStyle.Render("Today")))
	b.WriteString(cellStyle.Render(labelStyle.Render("Week")))
	b.WriteString("\n")

	today := p.DailyCounts[p.CurrentDayDate]
	for _, g := range goals {
		b.WriteString(nameStyle.Render(g.Name))
		if g.Cadence == catalog.Daily {
			b.WriteString(cellStyle.Render(progress(g.Kind, today[g.ID], g.Target)))
		} else {
			b.WriteString(cellStyle.Render(dimStyle.Render("-")))
		}
		b.WriteString(cellStyle.Render(progress(g.Kind, p.WeeklyCounts[g.ID], g.WeeklyTarget())))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(labelStyle.Render(syncLine(st)))
	b.WriteString("\n")
	return b.String()
}

// progress renders "n/target", green once a target is reached and red once
// a limit is exceeded.
func progress(kind catalog.Kind, n, target int) string {
	s := fmt.Sprintf("%d/%d", n, target)
	switch {
	case kind == catalog.KindLimit && n > target:
		return overStyle.Render(s)
	case kind == catalog.KindTarget && n >= target && target > 0:
		return metStyle.Render(s)
	}
	return s
}

func syncLine(st *gosync.Status) string {
	if st == nil || !st.Configured {
		return "sync: not configured"
	}
	line := fmt.Sprintf("sync: %s, %s", st.Backend, st.Phase)
	if st.LastSyncAt > 0 {
		line += ", last " + clock.FromMillis(st.LastSyncAt).Local().Format(time.DateTime)
	}
	if st.LastError != "" {
		line += ", error: " + st.LastError
	}
	return line
}
