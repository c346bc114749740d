package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/orchestrator/internal/config"
)

func withHome(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("ORCH_HOME", dir)
}

func TestLoad_DefaultsAndGenesis(t *testing.T) {
	dir := t.TempDir()
	withHome(t, dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis true when config.yaml absent")
	}
	if cfg.MaxAgentsPerWorker != 5 {
		t.Fatalf("expected default MaxAgentsPerWorker=5, got %d", cfg.MaxAgentsPerWorker)
	}
	if cfg.PollIntervalMS != 2000 {
		t.Fatalf("expected default PollIntervalMS=2000, got %d", cfg.PollIntervalMS)
	}
	if cfg.AgentTimeoutMS != 600000 {
		t.Fatalf("expected default AgentTimeoutMS=600000, got %d", cfg.AgentTimeoutMS)
	}
	if cfg.BudgetCapUSD != 0 {
		t.Fatalf("expected default BudgetCapUSD=0 (unbounded), got %v", cfg.BudgetCapUSD)
	}
	if cfg.MaxTaskDepth != 3 {
		t.Fatalf("expected default MaxTaskDepth=3, got %d", cfg.MaxTaskDepth)
	}
	for _, d := range []string{cfg.WorkspacesDir, cfg.LogDir, cfg.PidDir, cfg.SkillDir} {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("expected directory %s to be created: %v", d, err)
		}
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	withHome(t, dir)
	yamlBody := "poll_interval_ms: 4000\nmax_agents_per_worker: 9\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ORCH_POLL_INTERVAL_MS", "1500")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis false when config.yaml present")
	}
	if cfg.MaxAgentsPerWorker != 9 {
		t.Fatalf("expected YAML value 9, got %d", cfg.MaxAgentsPerWorker)
	}
	if cfg.PollIntervalMS != 1500 {
		t.Fatalf("expected env override 1500 to win over YAML 4000, got %d", cfg.PollIntervalMS)
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a := config.Config{StorePath: "a.db", PollIntervalMS: 2000, MaxAgentsPerWorker: 5, MaxTaskDepth: 3}
	b := a
	b.MaxTaskDepth = 4

	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected differing configs to produce differing fingerprints")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("expected fingerprint to be stable for the same config")
	}
}

func TestParseCLIArgs(t *testing.T) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	args, err := config.ParseCLIArgs(fs, []string{"--name", "acme-proj", "--prompt", "build the thing", "--chat-id", "12345"})
	if err != nil {
		t.Fatalf("ParseCLIArgs: %v", err)
	}
	if args.Name != "acme-proj" || args.Prompt != "build the thing" || args.ChatID != "12345" {
		t.Fatalf("unexpected parsed args: %+v", args)
	}
}
