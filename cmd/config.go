package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/clock"
	"github.com/dopejs/tally/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.DefaultStore()
		cfg := store.Get()
		if cfg.Sync != nil {
			sc := *cfg.Sync
			sc.Token = maskToken(sc.Token)
			sc.AccessKey = maskToken(sc.AccessKey)
			sc.SecretKey = maskToken(sc.SecretKey)
			sc.Passphrase = maskToken(sc.Passphrase)
			cfg.Sync = &sc
		}
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s\n", store.Path(), data)
		return nil
	},
}

var configWeekStartCmd = &cobra.Command{
	Use:       "week-start <day>",
	Short:     "Set the first day of the week",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"},
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := clock.ParseWeekday(args[0])
		if err != nil {
			return err
		}
		if err := config.DefaultStore().SetWeekStart(day); err != nil {
			return err
		}
		// Apply it to the stored period now; the rollover realigns the week.
		return withApp(func(a *app.App) error {
			if _, err := a.CheckDate(cmd.Context()); err != nil {
				return err
			}
			p := a.State.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "Week starts on %s, current week begins %s\n", clock.WeekdayName(day), p.CurrentWeekStartDate)
			return nil
		})
	},
}

var syncFlags struct {
	backend, endpoint, bucket, region     string
	accessKey, secretKey                  string
	gistID, repoOwner, repoName, repoPath string
	repoBranch, token, username, dir      string
	passphrase                            string
	wifiOnly, autoSync, disable, test     bool
	interval                              int
}

var configSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Configure the sync backend",
	Long: `Configure the sync backend. Flags not given keep their current value.

Backends: webdav, s3, gist, repo, local.
Pass "-" as --token or --passphrase to read the value from stdin.`,
	Args: cobra.NoArgs,
	RunE: runConfigSync,
}

func init() {
	f := configSyncCmd.Flags()
	f.StringVar(&syncFlags.backend, "backend", "", "webdav, s3, gist, repo or local")
	f.StringVar(&syncFlags.endpoint, "endpoint", "", "WebDAV collection URL or S3 endpoint")
	f.StringVar(&syncFlags.bucket, "bucket", "", "S3 bucket")
	f.StringVar(&syncFlags.region, "region", "", "S3 region")
	f.StringVar(&syncFlags.accessKey, "access-key", "", "S3 access key")
	f.StringVar(&syncFlags.secretKey, "secret-key", "", "S3 secret key")
	f.StringVar(&syncFlags.gistID, "gist-id", "", "existing gist id (created on first sync when empty)")
	f.StringVar(&syncFlags.repoOwner, "repo-owner", "", "GitHub repository owner")
	f.StringVar(&syncFlags.repoName, "repo-name", "", "GitHub repository name")
	f.StringVar(&syncFlags.repoPath, "repo-path", "", "directory inside the repository")
	f.StringVar(&syncFlags.repoBranch, "repo-branch", "", "repository branch (default: main)")
	f.StringVar(&syncFlags.token, "token", "", "access token or WebDAV password")
	f.StringVar(&syncFlags.username, "username", "", "WebDAV user")
	f.StringVar(&syncFlags.dir, "dir", "", "directory for the local backend")
	f.StringVar(&syncFlags.passphrase, "passphrase", "", "encrypt remote files with this passphrase")
	f.BoolVar(&syncFlags.wifiOnly, "wifi-only", false, "sync only on a wireless link")
	f.BoolVar(&syncFlags.autoSync, "auto-sync", false, "sync periodically while `tally serve` runs")
	f.IntVar(&syncFlags.interval, "interval", 0, "auto sync interval in seconds")
	f.BoolVar(&syncFlags.disable, "disable", false, "turn sync off")
	f.BoolVar(&syncFlags.test, "test", false, "check the connection after saving")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configWeekStartCmd)
	configCmd.AddCommand(configSyncCmd)
}

func runConfigSync(cmd *cobra.Command, args []string) error {
	store := config.DefaultStore()
	if syncFlags.disable {
		if err := store.SetSyncConfig(nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sync disabled.")
		return nil
	}

	cfg := store.GetSyncConfig()
	if cfg == nil {
		cfg = &config.SyncConfig{}
	}
	reader := bufio.NewReader(stdinReader)
	flags := cmd.Flags()
	str := func(name string, dst *string, v string) error {
		if !flags.Changed(name) {
			return nil
		}
		if v == "-" {
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read %s from stdin: %w", name, err)
			}
			v = strings.TrimSpace(line)
		}
		*dst = v
		return nil
	}
	for _, s := range []struct {
		name string
		dst  *string
		v    string
	}{
		{"backend", &cfg.Backend, syncFlags.backend},
		{"endpoint", &cfg.Endpoint, syncFlags.endpoint},
		{"bucket", &cfg.Bucket, syncFlags.bucket},
		{"region", &cfg.Region, syncFlags.region},
		{"access-key", &cfg.AccessKey, syncFlags.accessKey},
		{"secret-key", &cfg.SecretKey, syncFlags.secretKey},
		{"gist-id", &cfg.GistID, syncFlags.gistID},
		{"repo-owner", &cfg.RepoOwner, syncFlags.repoOwner},
		{"repo-name", &cfg.RepoName, syncFlags.repoName},
		{"repo-path", &cfg.RepoPath, syncFlags.repoPath},
		{"repo-branch", &cfg.RepoBranch, syncFlags.repoBranch},
		{"token", &cfg.Token, syncFlags.token},
		{"username", &cfg.Username, syncFlags.username},
		{"dir", &cfg.Dir, syncFlags.dir},
		{"passphrase", &cfg.Passphrase, syncFlags.passphrase},
	} {
		if err := str(s.name, s.dst, s.v); err != nil {
			return err
		}
	}
	if flags.Changed("wifi-only") {
		cfg.WiFiOnly = syncFlags.wifiOnly
	}
	if flags.Changed("auto-sync") {
		cfg.AutoSync = syncFlags.autoSync
	}
	if flags.Changed("interval") {
		cfg.SyncInterval = syncFlags.interval
	}

	if err := store.SetSyncConfig(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sync backend set to %s.\n", cfg.Backend)

	if !syncFlags.test {
		return nil
	}
	return withApp(func(a *app.App) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := a.SyncManager().TestConnection(ctx); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Connection OK.")
		return nil
	})
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:5] + "..." + token[len(token)-4:]
}
