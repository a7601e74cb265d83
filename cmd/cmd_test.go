package cmd

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dopejs/tally/internal/app"
	"github.com/dopejs/tally/internal/config"
	"github.com/dopejs/tally/internal/state"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(day string) {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.t = t.Add(9 * time.Hour)
	c.mu.Unlock()
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }
func (alwaysOnline) OnWiFi() bool { return true }

// setTestHome points HOME at a temp dir and makes openApp use clk.
func setTestHome(t *testing.T) (string, *testClock) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	config.ResetDefaultStore()
	t.Cleanup(config.ResetDefaultStore)

	clk := &testClock{}
	clk.Set("2024-06-12")
	orig := openApp
	openApp = func() (*app.App, error) {
		return app.Open(app.Options{
			Network: alwaysOnline{},
			Now:     clk.Now,
			Logger:  log.New(io.Discard, "", 0),
		})
	}
	t.Cleanup(func() { openApp = orig })
	return dir, clk
}

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCmd executes the root command with args and returns its output.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCmd(t, args...)
	if err != nil {
		t.Fatalf("tally %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "version")
	if !strings.Contains(out, Version) {
		t.Errorf("version output = %q", out)
	}
}

func TestLogAndStatus(t *testing.T) {
	setTestHome(t)

	out := mustRun(t, "log", "beans", "2")
	if !strings.Contains(out, "beans: 2 on 2024-06-12, 2 this week") {
		t.Errorf("log output = %q", out)
	}
	out = mustRun(t, "set", "beans", "1", "--date", "2024-06-10")
	if !strings.Contains(out, "beans: 1 on 2024-06-10, 3 this week") {
		t.Errorf("set output = %q", out)
	}
	mustRun(t, "log", "wine", "4")

	out = mustRun(t, "status")
	for _, want := range []string{"Today 2024-06-12", "week of 2024-06-09", "Beans", "2/3", "3/21", "4/3", "sync: not configured"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestLogRejectsBadInput(t *testing.T) {
	setTestHome(t)
	tests := [][]string{
		{"log", "pizza"},
		{"log", "beans", "many"},
		{"log", "beans", "--date", "2024-06-13"},
		{"set", "beans", "-1"},
		{"set", "beans"},
	}
	for _, args := range tests {
		if _, err := runCmd(t, args...); err == nil {
			t.Errorf("tally %s succeeded", strings.Join(args, " "))
		}
	}
}

func TestCheckArchivesFinishedWeek(t *testing.T) {
	_, clk := setTestHome(t)
	mustRun(t, "log", "nuts", "3")

	clk.Set("2024-06-17")
	out := mustRun(t, "check")
	if !strings.Contains(out, "Rollover: weekly") || !strings.Contains(out, "week of 2024-06-16") {
		t.Errorf("check output = %q", out)
	}
	out = mustRun(t, "check")
	if !strings.Contains(out, "Up to date") {
		t.Errorf("second check = %q", out)
	}

	out = mustRun(t, "history")
	if !strings.Contains(out, "Week of 2024-06-09") || !strings.Contains(out, "nuts") {
		t.Errorf("history output = %q", out)
	}
}

func TestEditWeekCommand(t *testing.T) {
	_, clk := setTestHome(t)
	mustRun(t, "log", "nuts", "3")
	clk.Set("2024-06-17")
	mustRun(t, "check")

	out := mustRun(t, "edit-week", "2024-06-09", "nuts", "5")
	if !strings.Contains(out, "nuts = 5") {
		t.Errorf("edit-week output = %q", out)
	}
	if _, err := runCmd(t, "edit-week", "2020-01-05", "nuts", "1"); err == nil {
		t.Error("editing a missing week succeeded")
	}

	a, err := openApp()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.State.Get().Metadata.HistorySync != state.Dirty {
		t.Error("history not flagged after edit")
	}
}

func TestExportRestore(t *testing.T) {
	_, clk := setTestHome(t)
	mustRun(t, "log", "beans", "2")
	clk.Set("2024-06-17")
	mustRun(t, "check")

	exportDir := t.TempDir()
	file := filepath.Join(exportDir, "export.json")
	mustRun(t, "export", "-o", file)
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"history"`) || !strings.Contains(string(data), "2024-06-09") {
		t.Errorf("export = %s", data)
	}

	// Restore into a fresh installation.
	setTestHome(t)
	out := mustRun(t, "restore", file)
	if !strings.Contains(out, "Restored 1 of 1 weeks") {
		t.Errorf("restore output = %q", out)
	}
	out = mustRun(t, "history")
	if !strings.Contains(out, "Week of 2024-06-09") {
		t.Errorf("restored history = %q", out)
	}
}

func TestRestoreSkipsInvalidRecords(t *testing.T) {
	setTestHome(t)
	file := filepath.Join(t.TempDir(), "weeks.json")
	body := `[
		{"weekStartDate": "2024-05-26", "totals": {"beans": 9}, "metadata": {"updatedAt": 1}},
		{"weekStartDate": "garbage", "totals": {"beans": 1}, "metadata": {"updatedAt": 1}}
	]`
	if err := os.WriteFile(file, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	out := mustRun(t, "restore", file)
	if !strings.Contains(out, "Restored 1 of 2 weeks") || !strings.Contains(out, "Skipped: garbage") {
		t.Errorf("restore output = %q", out)
	}
}

func TestDecodeExport(t *testing.T) {
	weeks, err := decodeExport([]byte(`{"history":[{"weekStartDate":"2024-06-02","totals":{}}]}`))
	if err != nil || len(weeks) != 1 {
		t.Errorf("object form: %v, %d weeks", err, len(weeks))
	}
	weeks, err = decodeExport([]byte(` [{"weekStartDate":"2024-06-02","totals":{}}]`))
	if err != nil || len(weeks) != 1 {
		t.Errorf("array form: %v, %d weeks", err, len(weeks))
	}
	if _, err := decodeExport([]byte(`nope`)); err == nil {
		t.Error("invalid input accepted")
	}
}

func TestConfigWeekStart(t *testing.T) {
	setTestHome(t)
	out := mustRun(t, "config", "week-start", "monday")
	if !strings.Contains(out, "current week begins 2024-06-10") {
		t.Errorf("week-start output = %q", out)
	}
	if got := config.DefaultStore().GetWeekStart(); got != time.Monday {
		t.Errorf("stored week start = %v", got)
	}
	if _, err := runCmd(t, "config", "week-start", "someday"); err == nil {
		t.Error("invalid weekday accepted")
	}
}

func TestConfigSync(t *testing.T) {
	home, _ := setTestHome(t)
	remote := filepath.Join(home, "remote")

	mustRun(t, "config", "sync", "--backend", "local", "--dir", remote, "--passphrase", "correct horse")
	cfg := config.DefaultStore().GetSyncConfig()
	if cfg == nil || cfg.Backend != config.BackendLocal || cfg.Dir != remote {
		t.Fatalf("sync config = %+v", cfg)
	}

	// Unchanged flags keep their value.
	mustRun(t, "config", "sync", "--auto-sync", "--interval", "120")
	cfg = config.DefaultStore().GetSyncConfig()
	if cfg.Dir != remote || cfg.Passphrase != "correct horse" || !cfg.AutoSync || cfg.SyncInterval != 120 {
		t.Errorf("after update: %+v", cfg)
	}

	out := mustRun(t, "config", "show")
	if strings.Contains(out, "correct horse") {
		t.Error("config show leaks the passphrase")
	}
	if !strings.Contains(out, `"backend": "local"`) {
		t.Errorf("config show = %s", out)
	}

	if _, err := runCmd(t, "config", "sync", "--backend", "gist"); err == nil {
		t.Error("gist without token accepted")
	}

	mustRun(t, "config", "sync", "--disable")
	if config.DefaultStore().GetSyncConfig() != nil {
		t.Error("sync still configured after --disable")
	}
}

func TestConfigSyncTokenFromStdin(t *testing.T) {
	setTestHome(t)
	orig := stdinReader
	stdinReader = strings.NewReader("ghp_secret\n")
	defer func() { stdinReader = orig }()

	mustRun(t, "config", "sync", "--backend", "gist", "--token", "-")
	if cfg := config.DefaultStore().GetSyncConfig(); cfg == nil || cfg.Token != "ghp_secret" {
		t.Errorf("token not read from stdin: %+v", cfg)
	}
}

func TestSyncCommand(t *testing.T) {
	home, _ := setTestHome(t)
	if _, err := runCmd(t, "sync"); err == nil {
		t.Error("sync without config succeeded")
	}

	remote := filepath.Join(home, "remote")
	if err := os.MkdirAll(remote, 0755); err != nil {
		t.Fatal(err)
	}
	mustRun(t, "config", "sync", "--backend", "local", "--dir", remote, "--test")
	mustRun(t, "log", "greens", "2")

	out := mustRun(t, "sync")
	if !strings.Contains(out, "Synced.") {
		t.Errorf("sync output = %q", out)
	}
	entries, err := os.ReadDir(remote)
	if err != nil || len(entries) == 0 {
		t.Errorf("remote dir empty (err=%v)", err)
	}

	out = mustRun(t, "status")
	if !strings.Contains(out, "sync: local") {
		t.Errorf("status sync line missing:\n%s", out)
	}
}

func TestMaskToken(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"abc":              "****",
		"abcdefgh":         "****",
		"ghp_abcdef123456": "ghp_a...3456",
	}
	for in, want := range tests {
		if got := maskToken(in); got != want {
			t.Errorf("maskToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompleteGoalIDs(t *testing.T) {
	ids, directive := completeGoalIDs(nil, nil, "be")
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("directive = %d", directive)
	}
	if len(ids) != 3 || ids[0] != "beans" || ids[1] != "berries" || ids[2] != "beverages" {
		t.Errorf("ids = %v", ids)
	}
	if ids, _ := completeGoalIDs(nil, []string{"beans"}, ""); ids != nil {
		t.Errorf("second arg completed: %v", ids)
	}
}
