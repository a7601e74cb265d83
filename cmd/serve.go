package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/config"
	"github.com/dopejs/tally/internal/web"
	"github.com/spf13/cobra"
)

var servePortFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API and the periodic rollover/sync loop",
	Long:  "Serve the JSON API and change feed on 127.0.0.1, roll the period over at day boundaries and, with auto sync on, sync on the configured interval. Logs go to ~/.tally/tally.log.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePortFlag, "port", "p", 0, "listen port (default: web_port from the config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	port := servePortFlag
	if port <= 0 {
		port = config.DefaultStore().GetWebPort()
	}
	if pid, running := app.ServeRunning(port); running {
		fmt.Fprintf(cmd.OutOrStdout(), "tally serve is already running (PID %d).\n", pid)
		return nil
	}

	logFile, logger := setupServeLogger()
	if logFile != nil {
		defer logFile.Close()
	}

	a, err := app.Open(app.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := web.NewServer(a, Version, logger, port)
	if err := app.WritePid(os.Getpid()); err != nil {
		logger.Printf("[serve] write pid: %v", err)
	}
	defer app.RemovePid()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Config edits made by other commands take effect without a restart. The
	// loop restarts so a changed sync interval applies.
	reload := make(chan struct{}, 1)
	watcher := app.NewConfigWatcher(a.Config.Path(), 2*time.Second, logger, func() {
		if err := a.Reload(); err != nil {
			logger.Printf("[serve] reload config: %v", err)
			return
		}
		logger.Printf("[serve] config reloaded")
		select {
		case reload <- struct{}{}:
		default:
		}
	})
	watcher.Start()
	defer watcher.Stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runLoop(ctx, a, reload)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		logger.Printf("[serve] shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://127.0.0.1:%d\n", port)
	err = srv.Start()
	cancel()
	<-loopDone
	return err
}

// runLoop drives app.Run, restarting it whenever the config changes.
func runLoop(ctx context.Context, a *app.App, reload <-chan struct{}) {
	for {
		loopCtx, stop := context.WithCancel(ctx)
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			a.Run(loopCtx, a.Interval())
		}()
		select {
		case <-ctx.Done():
			stop()
			<-finished
			return
		case <-reload:
			stop()
			<-finished
		}
	}
}

func setupServeLogger() (*os.File, *log.Logger) {
	os.MkdirAll(config.ConfigDirPath(), 0755)
	logFile, err := os.OpenFile(config.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, log.New(os.Stderr, "", log.LstdFlags)
	}
	var w io.Writer = logFile
	if verboseFlag {
		w = io.MultiWriter(logFile, os.Stderr)
	}
	return logFile, log.New(w, "", log.LstdFlags)
}
