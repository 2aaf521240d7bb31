package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
	"github.com/warpdl/racecard/cmd/common"
	"github.com/warpdl/racecard/internal/config"
	"github.com/warpdl/racecard/internal/jobs"
	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/internal/server"
	"github.com/warpdl/racecard/internal/store"
	"github.com/warpdl/racecard/internal/store/memory"
	"github.com/warpdl/racecard/internal/store/sqlite"
	"github.com/warpdl/racecard/pkg/credman"
	"github.com/warpdl/racecard/pkg/credman/keyring"
	"github.com/warpdl/racecard/pkg/logger"
)

var testNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// cliEnv isolates the package vars the commands read and returns the data
// directory and the captured stdout.
func cliEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	oldOut, oldErr, oldIn := stdout, stderr, stdin
	oldEnv, oldNow, oldFs := getenv, nowFunc, osFs
	stdout, stderr, stdin = out, io.Discard, strings.NewReader("")
	getenv = func(string) string { return "" }
	nowFunc = func() time.Time { return testNow }
	t.Cleanup(func() {
		stdout, stderr, stdin = oldOut, oldErr, oldIn
		getenv, nowFunc, osFs = oldEnv, oldNow, oldFs
	})
	return t.TempDir(), out
}

func runCLI(t *testing.T, home string, args ...string) {
	t.Helper()
	app := newApp(BuildArgs{Version: "test", BuildType: "dev"})
	full := append([]string{"racecard", "--home", home}, args...)
	if err := app.Run(full); err != nil {
		t.Fatalf("racecard %s: %v", strings.Join(args, " "), err)
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingDispatcher) Dispatch(action string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{action}, args...))
	return nil
}

func (r *recordingDispatcher) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type staticTriggers []scheduler.Trigger

func (s staticTriggers) Pending() []scheduler.Trigger { return s }

type opsServer struct {
	addr     string
	store    *memory.Store
	dispatch *recordingDispatcher
}

func newOpsServer(t *testing.T) *opsServer {
	t.Helper()
	o := &opsServer{store: memory.New(), dispatch: &recordingDispatcher{}}
	srv := server.New(server.Deps{
		Version:    "test",
		Store:      o.store,
		Dispatcher: o.dispatch,
		Triggers: staticTriggers{
			{ID: jobs.DailyTriggerID, Kind: scheduler.KindRecurring, CronExpr: "0 9 * * *", Action: jobs.ActionHarvest, FireAt: testNow.Add(23 * time.Hour)},
			{ID: "R42", Kind: scheduler.KindOneOff, Action: jobs.ActionCollect, Args: []string{"R42"}, FireAt: testNow.Add(4 * time.Hour)},
		},
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	o.addr = ts.URL
	return o
}

func TestApplyDaemonFlags(t *testing.T) {
	set := flag.NewFlagSet("daemon", flag.ContinueOnError)
	for _, f := range daemonFlags {
		f.Apply(set)
	}
	if err := set.Parse([]string{"--zone", "UTC", "--offset", "5m", "--missed", "drop", "--export-url", "file:///tmp/x"}); err != nil {
		t.Fatal(err)
	}
	ctx := cli.NewContext(cli.NewApp(), set, nil)
	cfg := config.Default(t.TempDir())
	if err := applyDaemonFlags(ctx, &cfg); err != nil {
		t.Fatalf("applyDaemonFlags: %v", err)
	}
	if cfg.Zone != "UTC" || cfg.Offset.Std() != 5*time.Minute || cfg.Missed != "drop" || cfg.Export.URL != "file:///tmp/x" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Database != config.DefaultDatabase {
		t.Errorf("unset flag overwrote database: %q", cfg.Database)
	}
}

func TestApplyDaemonFlags_BadDuration(t *testing.T) {
	set := flag.NewFlagSet("daemon", flag.ContinueOnError)
	for _, f := range daemonFlags {
		f.Apply(set)
	}
	if err := set.Parse([]string{"--retry-after", "soon"}); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default(t.TempDir())
	err := applyDaemonFlags(cli.NewContext(cli.NewApp(), set, nil), &cfg)
	if err == nil || !strings.Contains(err.Error(), "--retry-after") {
		t.Fatalf("expected --retry-after error, got %v", err)
	}
}

func TestConfigShow_MasksSecret(t *testing.T) {
	home, out := cliEnv(t)
	runCLI(t, home, "--secret", "s3cret", "--addr", "127.0.0.1:9999", "config", "show")
	got := out.String()
	if strings.Contains(got, "s3cret") {
		t.Fatalf("secret leaked: %s", got)
	}
	if !strings.Contains(got, "127.0.0.1:9999") || !strings.Contains(got, "********") {
		t.Errorf("unexpected output: %s", got)
	}
}

func TestConfigShow_InvalidConfig(t *testing.T) {
	home, out := cliEnv(t)
	if err := os.WriteFile(filepath.Join(home, config.FileName), []byte(`{"zone":"Nowhere/Land"}`), 0600); err != nil {
		t.Fatal(err)
	}
	runCLI(t, home, "config", "show")
	if !strings.Contains(out.String(), "config[load_config]") {
		t.Errorf("expected load error, got %s", out.String())
	}
}

func TestConfigInit(t *testing.T) {
	home, out := cliEnv(t)
	osFs = afero.NewMemMapFs()

	runCLI(t, home, "config", "init", "--zone", "UTC")
	if !strings.Contains(out.String(), "Wrote") {
		t.Fatalf("unexpected output: %s", out.String())
	}
	cfg, err := config.Load(osFs, home, getenv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Zone != "UTC" {
		t.Errorf("zone = %q, want UTC", cfg.Zone)
	}

	out.Reset()
	runCLI(t, home, "config", "init")
	if !strings.Contains(out.String(), "--force") {
		t.Errorf("second init should refuse: %s", out.String())
	}
	out.Reset()
	runCLI(t, home, "config", "init", "--force", "--missed", "drop")
	if !strings.Contains(out.String(), "Wrote") {
		t.Errorf("forced init failed: %s", out.String())
	}
}

func TestRemoteCommands(t *testing.T) {
	home, out := cliEnv(t)
	ops := newOpsServer(t)
	ctx := context.Background()
	if _, err := ops.store.UpsertRace(ctx, "R42", time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}

	runCLI(t, home, "--addr", ops.addr, "races")
	if got := out.String(); !strings.Contains(got, "R42") || !strings.Contains(got, "14:30") || !strings.Contains(got, "2024-05-01") {
		t.Errorf("races output: %s", got)
	}

	out.Reset()
	runCLI(t, home, "--addr", ops.addr, "races", "--day", "2024-05-02")
	if !strings.Contains(out.String(), "No races on 2024-05-02") {
		t.Errorf("races other day: %s", out.String())
	}

	out.Reset()
	runCLI(t, home, "--addr", ops.addr, "latest")
	if !strings.Contains(out.String(), "No snapshot collected yet.") {
		t.Errorf("latest on empty store: %s", out.String())
	}

	snap := store.Snapshot{ID: "s1", RaceID: "R42", CollectedAt: testNow, Payload: json.RawMessage(`{"runners":[1,2]}`)}
	if err := ops.store.StoreSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	runCLI(t, home, "--addr", ops.addr, "snapshot", "R42")
	if got := out.String(); !strings.Contains(got, "Snapshot:  s1") || !strings.Contains(got, `"runners"`) {
		t.Errorf("snapshot output: %s", got)
	}
	out.Reset()
	runCLI(t, home, "--addr", ops.addr, "snapshot", "R99")
	if !strings.Contains(out.String(), "No snapshot for R99.") {
		t.Errorf("snapshot of unknown race: %s", out.String())
	}

	out.Reset()
	runCLI(t, home, "--addr", ops.addr, "triggers")
	if got := out.String(); !strings.Contains(got, jobs.DailyTriggerID) || !strings.Contains(got, "once") {
		t.Errorf("triggers output: %s", got)
	}

	out.Reset()
	runCLI(t, home, "--addr", ops.addr, "scrape", "R42")
	runCLI(t, home, "--addr", ops.addr, "harvest")
	calls := ops.dispatch.Calls()
	if len(calls) != 2 || calls[0][0] != jobs.ActionCollect || calls[0][1] != "R42" || calls[1][0] != jobs.ActionHarvest {
		t.Errorf("dispatched %v", calls)
	}
	if strings.Count(out.String(), "Daemon accepted") != 2 {
		t.Errorf("scrape/harvest output: %s", out.String())
	}
}

func TestRemoteCommands_DaemonDown(t *testing.T) {
	home, out := cliEnv(t)
	ts := httptest.NewServer(nil)
	addr := ts.URL
	ts.Close()

	runCLI(t, home, "--addr", addr, "triggers")
	if !strings.Contains(out.String(), "triggers[trigger.list]") {
		t.Errorf("expected runtime error, got %s", out.String())
	}
}

func TestExportCommand(t *testing.T) {
	home, out := cliEnv(t)
	st, err := sqlite.Open(filepath.Join(home, config.DefaultDatabase))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ctx := context.Background()
	for i, at := range []time.Time{
		time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	} {
		s := store.Snapshot{ID: "s" + string(rune('1'+i)), RaceID: "R42", CollectedAt: at, Payload: json.RawMessage(`{}`)}
		if err := st.StoreSnapshot(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "out")
	runCLI(t, home, "export", "--zone", "UTC", "--day", "2024-05-01", "--url", "file://"+filepath.ToSlash(dest))
	if !strings.Contains(out.String(), "Exported 2 snapshots of 2024-05-01") {
		t.Fatalf("export output: %s", out.String())
	}
	b, err := os.ReadFile(filepath.Join(dest, "snapshots-2024-05-01.jsonl"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if n := strings.Count(string(b), "\n"); n != 2 {
		t.Errorf("export has %d lines, want 2", n)
	}
}

func TestExportCommand_Yesterday(t *testing.T) {
	home, out := cliEnv(t)
	dest := filepath.Join(t.TempDir(), "out")
	runCLI(t, home, "export", "--zone", "UTC", "--url", "file://"+filepath.ToSlash(dest))
	if !strings.Contains(out.String(), "Exported 0 snapshots of 2024-04-30") {
		t.Fatalf("export output: %s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dest, "snapshots-2024-04-30.jsonl")); err != nil {
		t.Errorf("empty day should still produce a file: %v", err)
	}
}

type brokenKeyring struct{}

var errNoKeyring = errors.New("no keyring")

func (brokenKeyring) Set(string, string) error   { return errNoKeyring }
func (brokenKeyring) Get(string) (string, error) { return "", errNoKeyring }
func (brokenKeyring) Delete(string) error        { return errNoKeyring }

func TestCreds_FallsBackToFileStore(t *testing.T) {
	home, out := cliEnv(t)
	fs := afero.NewMemMapFs()
	old := credentialStore
	credentialStore = func(cfg config.Config, l logger.Logger) credman.Store {
		return credman.New(brokenKeyring{}, keyring.NewFileStore(fs, cfg.Home), l)
	}
	t.Cleanup(func() { credentialStore = old })

	const url = "sftp://ops@backup.example/racecard"
	stdin = strings.NewReader("hunter2\n")
	runCLI(t, home, "creds", "set", url)
	if !strings.Contains(out.String(), "Password stored for ops@backup.example:22") {
		t.Fatalf("set output: %s", out.String())
	}

	out.Reset()
	runCLI(t, home, "creds", "get", url)
	if got := out.String(); !strings.Contains(got, "A password is stored") || strings.Contains(got, "hunter2") {
		t.Errorf("get output: %s", got)
	}

	out.Reset()
	runCLI(t, home, "creds", "delete", url)
	runCLI(t, home, "creds", "get", url)
	if got := out.String(); !strings.Contains(got, "Password removed") || !strings.Contains(got, "No password stored") {
		t.Errorf("delete output: %s", got)
	}
}

func TestReadSecret(t *testing.T) {
	tests := map[string]struct {
		in      string
		want    string
		wantErr bool
	}{
		"newline": {in: "pw\n", want: "pw"},
		"crlf":    {in: "pw\r\n", want: "pw"},
		"no eol":  {in: "pw", want: "pw"},
		"empty":   {in: "\n", wantErr: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := readSecret(strings.NewReader(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStop_NotRunning(t *testing.T) {
	home, out := cliEnv(t)
	runCLI(t, home, "stop")
	if !strings.Contains(out.String(), "Daemon is not running") {
		t.Errorf("stop output: %s", out.String())
	}
}

func TestHarvestProgress(t *testing.T) {
	p := mpb.New(mpb.WithOutput(io.Discard))
	bar := common.InitHarvestBar(p, "")
	progress := harvestProgress(bar)
	progress(1, 2)
	progress(2, 2)
	p.Wait()
	if !bar.Completed() {
		t.Error("bar should complete after the last tile")
	}
}

func TestPrintHarvestReport(t *testing.T) {
	var buf bytes.Buffer
	rep := &jobs.HarvestReport{
		Tiles: 3, Scheduled: 1, Skipped: 1, Failed: 1,
		Races: []store.Race{{ID: "R42", PostTime: time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)}},
	}
	printHarvestReport(&buf, rep, time.UTC)
	got := buf.String()
	if !strings.Contains(got, "Read 3 tiles: 1 scheduled, 1 skipped, 1 failed.") || !strings.Contains(got, "2024-05-01 14:30") {
		t.Errorf("report: %s", got)
	}
}

func testComponents(t *testing.T, exportURL string) *DaemonComponents {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Zone = "UTC"
	cfg.Export.URL = exportURL
	tick := testNow
	sched := scheduler.New(scheduler.Options{
		Store: scheduler.NewMemoryStore(),
		Now: func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		},
	})
	noop := func(context.Context, []string) error { return nil }
	sched.Register(jobs.ActionHarvest, noop)
	sched.Register(jobs.ActionExport, noop)
	return &DaemonComponents{Config: cfg, Scheduler: sched, logger: logger.NewMockLogger()}
}

func pendingIDs(s *scheduler.Scheduler) map[string]scheduler.Trigger {
	out := map[string]scheduler.Trigger{}
	for _, t := range s.Pending() {
		out[t.ID] = t
	}
	return out
}

func TestArmRecurring(t *testing.T) {
	c := testComponents(t, "file:///backups")
	ctx := context.Background()
	if err := c.armRecurring(ctx); err != nil {
		t.Fatalf("armRecurring: %v", err)
	}
	got := pendingIDs(c.Scheduler)
	daily, ok := got[jobs.DailyTriggerID]
	if !ok || daily.CronExpr != config.DefaultHarvestCron {
		t.Fatalf("daily trigger = %+v", daily)
	}
	if want := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC); !daily.FireAt.Equal(want) {
		t.Errorf("daily fires at %s, want %s", daily.FireAt, want)
	}
	if _, ok := got[jobs.ExportTriggerID]; !ok {
		t.Fatal("export trigger missing")
	}

	// Re-arming keeps the pending firing.
	if err := c.armRecurring(ctx); err != nil {
		t.Fatal(err)
	}
	if again := pendingIDs(c.Scheduler)[jobs.DailyTriggerID]; !again.UpdatedAt.Equal(daily.UpdatedAt) {
		t.Error("re-arming replaced an unchanged trigger")
	}

	c.Config.Export.URL = ""
	if err := c.armRecurring(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := pendingIDs(c.Scheduler)[jobs.ExportTriggerID]; ok {
		t.Error("export trigger should be removed when export is off")
	}
}

func TestDaemonComponents_StartStop(t *testing.T) {
	_, _ = cliEnv(t)
	cfg := config.Default(t.TempDir())
	cfg.Zone = "UTC"
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = config.Duration(5 * time.Second)
	nowFunc = time.Now

	comps, err := initDaemonComponents(context.Background(), cfg, BuildArgs{Version: "test"}, logger.NewMockLogger())
	if err != nil {
		t.Fatalf("initDaemonComponents: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- comps.Runner.Start(ctx) }()

	pidPath := cfg.Path("daemon.pid")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(pidPath); err == nil && comps.Runner.IsRunning() {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("daemon did not start")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := pendingIDs(comps.Scheduler)[jobs.DailyTriggerID]; !ok {
		t.Error("daily harvest not armed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("pid file should be removed on stop")
	}
}
