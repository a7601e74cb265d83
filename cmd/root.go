package cmd

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dopejs/tally/internal/app"
	"github.com/spf13/cobra"
)

var Version = "0.4.0"

// stdinReader is the reader used for interactive prompts. Tests can replace it.
var stdinReader io.Reader = os.Stdin

var verboseFlag bool

// openApp opens the installation under ~/.tally. Tests replace it to inject a
// clock or a provider.
var openApp = func() (*app.App, error) {
	return app.Open(app.Options{Logger: cliLogger()})
}

var rootCmd = &cobra.Command{
	Use:           "tally",
	Short:         "Offline-first habit tracker with multi-device sync",
	Long:          "Record daily and weekly counts against a catalog of goals, archive finished weeks and keep devices in sync through a file-storage backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runStatus,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log rollover and sync activity to stderr")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(editWeekCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

// Execute runs the root command and prints the error, if any, to stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func cliLogger() *log.Logger {
	if !verboseFlag {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.Ltime)
}

// withApp opens the app, runs fn and closes the app.
func withApp(fn func(a *app.App) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tally version %s\n", Version)
	},
}
