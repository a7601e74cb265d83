package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dopejs/tally/internal/app"
	gosync "github.com/dopejs/tally/internal/sync"
	"github.com/spf13/cobra"
)

var syncTimeoutFlag time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeoutFlag)
			defer cancel()

			ran, err := a.Sync(ctx)
			switch {
			case errors.Is(err, gosync.ErrNetworkConstraint):
				fmt.Fprintln(cmd.OutOrStdout(), "Sync deferred: network policy does not allow it right now.")
				return nil
			case gosync.IsAuth(err):
				return fmt.Errorf("%w (check `tally config sync`)", err)
			case err != nil:
				return err
			case !ran:
				fmt.Fprintln(cmd.OutOrStdout(), "A sync is already in progress.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Synced.")
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Roll the period over to the current day and archive finished weeks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			out, err := a.CheckDate(cmd.Context())
			if err != nil {
				return err
			}
			p := a.State.Get()
			if out.Changed() {
				fmt.Fprintf(cmd.OutOrStdout(), "Rollover: %s, now tracking %s (week of %s)\n", out, p.CurrentDayDate, p.CurrentWeekStartDate)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Up to date: %s (week of %s)\n", p.CurrentDayDate, p.CurrentWeekStartDate)
			}
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeoutFlag, "timeout", 2*time.Minute, "give up after this long")
}
