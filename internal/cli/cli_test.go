package cli

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/javanstorm/devtray/internal/api"
	"github.com/javanstorm/devtray/internal/config"
	"github.com/javanstorm/devtray/internal/history"
	"github.com/javanstorm/devtray/internal/instance"
	"github.com/javanstorm/devtray/internal/metrics"
	"github.com/javanstorm/devtray/internal/testutil"
	"github.com/javanstorm/devtray/internal/vm"
	"github.com/javanstorm/devtray/pkg/provider"
)

func TestRenderStatus(t *testing.T) {
	if got := renderStatus(nil); !strings.Contains(got, "No servers") {
		t.Errorf("renderStatus(nil) = %q", got)
	}

	boot := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	out := renderStatus([]api.ServerView{
		{
			ServerStatus: vm.ServerStatus{Name: "dev", MachineID: "devel79", State: vm.StateRunning, Intent: "none", Active: true},
			History:      &history.Record{BootCount: 3, LastBoot: boot},
		},
		{
			ServerStatus: vm.ServerStatus{Name: "other", MachineID: "other", State: vm.StatePoweredOff, Intent: "none"},
		},
	})

	for _, want := range []string{"SERVER", "dev", "devel79", "running", "other", "3", "2026-03-01 09:30:00", "●"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderStatus() missing %q in\n%s", want, out)
		}
	}
}

func TestCheckStartNames(t *testing.T) {
	c := &config.Config{Servers: []vm.ServerConfig{{Name: "dev", MachineID: "devel79"}}}

	tests := []struct {
		names   []string
		wantErr bool
	}{
		{nil, false},
		{[]string{"dev"}, false},
		{[]string{"DEVEL79"}, false},
		{[]string{"dev", "nope"}, true},
	}
	for _, tt := range tests {
		err := checkStartNames(c, tt.names)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkStartNames(%v) error = %v, wantErr %v", tt.names, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, vm.ErrMachineNotFound) {
			t.Errorf("checkStartNames(%v) error = %v, want ErrMachineNotFound", tt.names, err)
		}
	}
}

func TestPromptConfirmer(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"  YES  \n", true},
		{"Y", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := newPromptConfirmer(strings.NewReader(tt.input), &out)
		if got := p.Confirm("devtray", "Stop dev?"); got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "devtray: Stop dev? [y/N]") {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

func TestConfirmerForAnswer(t *testing.T) {
	yes, no := true, false
	if !confirmerFor(&yes, nil, nil).Confirm("t", "q") {
		t.Error("confirmerFor(true) answered no")
	}
	if confirmerFor(&no, nil, nil).Confirm("t", "q") {
		t.Error("confirmerFor(false) answered yes")
	}
}

// isolate points config lookups at empty temp directories.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
}

// resetFlags clears flag values and their changed marks between runs.
func resetFlags() {
	cfgFile, logLevelFlag, addrFlag = "", "", ""
	switchYes, commandLine = false, ""
	cmds := append([]*cobra.Command{rootCmd}, rootCmd.Commands()...)
	for _, c := range cmds {
		c.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
		c.PersistentFlags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		resetFlags()
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func serveHarness(t *testing.T) (*testutil.Harness, string) {
	t.Helper()
	isolate(t)
	h := testutil.NewHarness(t, nil)
	h.Provider.AddMachine("devel79", provider.StatePoweredOff)
	h.Provider.AddMachine("other", provider.StatePoweredOff)
	h.Register(t, "dev", "devel79")
	h.Register(t, "other", "other")

	srv := httptest.NewServer(api.NewMux(api.Options{Service: h.Orch, Metrics: metrics.New()}))
	t.Cleanup(srv.Close)
	return h, srv.URL
}

func TestControlCommands(t *testing.T) {
	h, addr := serveHarness(t)

	out, err := execute(t, "--addr", addr, "start")
	if err != nil {
		t.Fatalf("start error = %v", err)
	}
	if !strings.Contains(out, "Start requested.") {
		t.Errorf("start output = %q", out)
	}
	if got := h.Orch.Active().State(); got != vm.StateRunning {
		t.Fatalf("active state = %v, want running", got)
	}

	out, err = execute(t, "--addr", addr, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"dev", "devel79", "running", "other"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "--addr", addr, "start"); err == nil {
		t.Error("second start succeeded, want conflict")
	} else if !api.IsConflict(err) {
		t.Errorf("second start error = %v, want conflict", err)
	}

	if _, err := execute(t, "--addr", addr, "stop"); err != nil {
		t.Fatalf("stop error = %v", err)
	}
	if got := h.Orch.Active().State(); got != vm.StatePoweredOff {
		t.Errorf("active state after stop = %v, want poweroff", got)
	}

	if _, err := execute(t, "--addr", addr, "command", "missing"); !api.IsNotFound(err) {
		t.Errorf("command missing error = %v, want not found", err)
	}
}

func TestSwitchCommand(t *testing.T) {
	h, addr := serveHarness(t)
	ctx := context.Background()

	if err := h.Orch.StartActive(ctx); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--addr", addr, "switch", "other", "--yes")
	if err != nil {
		t.Fatalf("switch error = %v", err)
	}
	if !strings.Contains(out, "Switching to other.") {
		t.Errorf("switch output = %q", out)
	}
	h.Orch.Wait()

	active := h.Orch.Active()
	if active == nil || active.Name() != "other" {
		t.Fatalf("active = %v, want other", active)
	}
	if got := active.State(); got != vm.StateRunning {
		t.Errorf("other state = %v, want running", got)
	}
	if got := h.Provider.State("devel79"); got != provider.StatePoweredOff {
		t.Errorf("devel79 state = %v, want poweroff", got)
	}
}

func TestSwitchDeclined(t *testing.T) {
	h, addr := serveHarness(t)
	if err := h.Orch.StartActive(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--addr", addr, "switch", "other", "--yes=false"); err != nil {
		t.Fatalf("switch error = %v", err)
	}
	h.Orch.Wait()

	if active := h.Orch.Active(); active == nil || active.Name() != "dev" {
		t.Errorf("active = %v, want dev", active)
	}
	if got := h.Provider.State("devel79"); got != provider.StateRunning {
		t.Errorf("devel79 state = %v, want running", got)
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	isolate(t)
	out, err := execute(t, "--config", "/does/not/exist.yaml", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "devtray") || !strings.Contains(out, "Commit:") {
		t.Errorf("version output = %q", out)
	}
}

func TestConfigCommand(t *testing.T) {
	isolate(t)
	file := testutil.WriteFile(t, "devtray.yaml", `provider: fake
servers:
  - name: dev
    machine: devel79
`)

	out, err := execute(t, "--config", file, "config", "--validate")
	if err != nil {
		t.Fatalf("config error = %v\n%s", err, out)
	}
	for _, want := range []string{"# " + file, "provider: fake", "machine: devel79"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	isolate(t)
	c := config.DefaultConfig()
	c.Provider = config.ProviderFake
	c.DataDir = t.TempDir()
	c.History = true
	c.LogLevel = "error"
	c.Servers = []vm.ServerConfig{
		{Name: "dev", MachineID: "devel79"},
		{Name: "other", MachineID: "other"},
	}
	return c
}

func TestAppRun(t *testing.T) {
	c := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var logs bytes.Buffer
	a, err := newApp(ctx, c, appOptions{
		DryRun:    true,
		Confirmer: vm.Always(true),
		Listener:  ln,
		Log:       &logs,
	})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}

	if _, err := newApp(ctx, c, appOptions{DryRun: true, Log: &logs}); !errors.Is(err, instance.ErrAlreadyRunning) {
		t.Errorf("second newApp() error = %v, want ErrAlreadyRunning", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.run(ctx, []string{"dev"}, nil) }()

	client := api.NewClient(ln.Addr().String())
	testutil.Eventually(t, 2*time.Second, func() bool {
		servers, err := client.Servers(ctx)
		if err != nil || len(servers) != 2 {
			return false
		}
		return servers[0].Name == "dev" && servers[0].Active && servers[0].State == vm.StateRunning
	}, "dev running through the API")

	servers, err := client.Servers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if servers[0].History == nil || servers[0].History.BootCount != 1 {
		t.Errorf("dev history = %+v, want one boot", servers[0].History)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	// The exit confirmer said yes, so the active server was asked to stop.
	fp := a.provider.(interface {
		PowerOffs(string) int
	})
	if got := fp.PowerOffs("devel79"); got != 1 {
		t.Errorf("PowerOffs(devel79) = %d, want 1", got)
	}

	lock, err := instance.Acquire(c.LockFile())
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lock.Release()
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Servers = append(c.Servers, vm.ServerConfig{Name: "dup", MachineID: "devel79"})

	if _, err := newApp(context.Background(), c, appOptions{DryRun: true, Log: &bytes.Buffer{}}); err == nil {
		t.Fatal("newApp() with duplicate machine succeeded")
	}
}

func TestNewAppProviderUnavailable(t *testing.T) {
	c := testConfig(t)
	c.Provider = config.ProviderVBoxManage
	c.VBoxManage = filepath.Join(t.TempDir(), "VBoxManage")

	_, err := newApp(context.Background(), c, appOptions{Log: &bytes.Buffer{}})
	if !errors.Is(err, vm.ErrProviderUnavailable) {
		t.Fatalf("newApp() error = %v, want ErrProviderUnavailable", err)
	}

	lock, err := instance.Acquire(c.LockFile())
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lock.Release()
}
