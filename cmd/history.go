package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/history"
	gosync "github.com/dopejs/tally/internal/sync"
	"github.com/spf13/cobra"
)

var historyLimitFlag int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived weeks, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			if _, err := a.CheckDate(cmd.Context()); err != nil {
				return err
			}
			weeks, err := a.ExportHistory(cmd.Context())
			if err != nil {
				return err
			}
			if historyLimitFlag > 0 && len(weeks) > historyLimitFlag {
				weeks = weeks[:historyLimitFlag]
			}
			printWeeks(cmd, weeks)
			return nil
		})
	},
}

var editWeekCmd = &cobra.Command{
	Use:   "edit-week <week-start> <goal> <n>",
	Short: "Overwrite a goal's total in an archived week",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid total %q", args[2])
		}
		return withApp(func(a *app.App) error {
			w, err := a.EditWeek(cmd.Context(), args[0], args[1], n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Week of %s: %s = %d\n", w.WeekStartDate, args[1], w.Totals[args[1]])
			return nil
		})
	},
}

var exportOutputFlag string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the archive as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			weeks, err := a.ExportHistory(cmd.Context())
			if err != nil {
				return err
			}
			if weeks == nil {
				weeks = []history.Week{}
			}
			data, err := json.MarshalIndent(gosync.HistoryFile{History: weeks}, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if exportOutputFlag == "" || exportOutputFlag == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(exportOutputFlag, data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d weeks to %s\n", len(weeks), exportOutputFlag)
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Import archived weeks from an export file",
	Long:  "Import archived weeks from a file written by `tally export`. Invalid records are skipped and reported; the rest are saved.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		weeks, err := decodeExport(data)
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		return withApp(func(a *app.App) error {
			saved, failed, err := a.RestoreHistory(cmd.Context(), weeks)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d of %d weeks\n", saved, len(weeks))
			if len(failed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Skipped: %s\n", strings.Join(failed, ", "))
			}
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 0, "show at most n weeks")
	exportCmd.Flags().StringVarP(&exportOutputFlag, "output", "o", "", "output file (default: stdout)")
}

// decodeExport accepts the export format ({"history": [...]}) and a bare
// array of weeks.
func decodeExport(data []byte) ([]history.Week, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var weeks []history.Week
		err := json.Unmarshal(data, &weeks)
		return weeks, err
	}
	var f gosync.HistoryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.History, nil
}

func printWeeks(cmd *cobra.Command, weeks []history.Week) {
	out := cmd.OutOrStdout()
	if len(weeks) == 0 {
		fmt.Fprintln(out, "No archived weeks.")
		return
	}
	for _, w := range weeks {
		fmt.Fprintln(out, titleStyle.Render("Week of "+w.WeekStartDate))
		goals := make([]string, 0, len(w.Totals))
		for g := range w.Totals {
			goals = append(goals, g)
		}
		sort.Strings(goals)
		for _, g := range goals {
			line := fmt.Sprintf("  %-14s %d", g, w.Totals[g])
			if t, ok := w.Targets[g]; ok {
				line += dimStyle.Render(fmt.Sprintf(" / %d", t.WeeklyTarget()))
			}
			fmt.Fprintln(out, line)
		}
	}
}
