package cmd

import (
	"fmt"
	"strconv"

	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/state"
	"github.com/spf13/cobra"
)

var logDateFlag string

var logCmd = &cobra.Command{
	Use:               "log <goal> [n]",
	Short:             "Add to a goal's count (n defaults to 1, may be negative)",
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: completeGoalIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		delta := 1
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid count %q", args[1])
			}
			delta = n
		}
		return dispatchCount(cmd, args[0], state.Increment{Goal: args[0], Date: logDateFlag, Delta: delta})
	},
}

var setCmd = &cobra.Command{
	Use:               "set <goal> <n>",
	Short:             "Set a goal's count for a day",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeGoalIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid count %q", args[1])
		}
		return dispatchCount(cmd, args[0], state.SetCount{Goal: args[0], Date: logDateFlag, Count: n})
	},
}

func init() {
	logCmd.Flags().StringVarP(&logDateFlag, "date", "d", "", "day to edit (YYYY-MM-DD, default: selected day)")
	setCmd.Flags().StringVarP(&logDateFlag, "date", "d", "", "day to edit (YYYY-MM-DD, default: selected day)")
}

// dispatchCount rolls the period over, applies action and prints the new
// counts of goal.
func dispatchCount(cmd *cobra.Command, goal string, action state.Action) error {
	return withApp(func(a *app.App) error {
		if _, err := a.CheckDate(cmd.Context()); err != nil {
			return err
		}
		p, err := a.State.Dispatch(action)
		if err != nil {
			return err
		}
		day := logDateFlag
		if day == "" {
			day = p.SelectedTrackerDate
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d on %s, %d this week\n",
			goal, p.DailyCounts[day][goal], day, p.WeeklyCounts[goal])
		return nil
	})
}
