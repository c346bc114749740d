// Package doctor runs a battery of environment diagnostics for the
// supervisor and worker binaries, surfaced through the --doctor CLI flag
// (SPEC_FULL.md supplemented features).
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/orchestrator/internal/config"
	"github.com/basket/orchestrator/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkExternalTools,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.Reasoning.Provider)
	if provider == "" {
		provider = "anthropic"
	}
	envVars := map[string]string{
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}

	envVar, ok := envVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: "WARN", Message: fmt.Sprintf("unrecognized reasoning provider %q", provider)}
	}

	if cfg.Reasoning.APIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}

	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  fmt.Sprintf("set %s or add reasoning.providers.%s.api_key to config.yaml", envVar, provider),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.StorePath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.TotalEventCount(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("connection and schema valid at %s", cfg.StorePath)}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.WorkspacesDir, cfg.LogDir, cfg.PidDir} {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "all configured directories writable"}
}

func checkExternalTools(ctx context.Context, cfg *config.Config) CheckResult {
	var details []string
	status := "PASS"

	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing (required for skill install)")
		status = "WARN"
	} else {
		details = append(details, "git: ok")
	}

	if cfg != nil && cfg.UseTmux {
		if _, err := exec.LookPath("tmux"); err != nil {
			details = append(details, "tmux: missing (use_tmux enabled; supervisor will fall back to bare spawn)")
			status = "WARN"
		} else {
			details = append(details, "tmux: ok")
		}
	} else {
		details = append(details, "tmux: skipped (use_tmux disabled)")
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("checked %d tools", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.Reasoning.Provider)
	if provider == "" {
		provider = "anthropic"
	}
	endpoints := map[string]string{
		"google":    "generativelanguage.googleapis.com",
		"anthropic": "api.anthropic.com",
		"openai":    "api.openai.com",
	}

	host, ok := endpoints[provider]
	if !ok {
		host = "api.anthropic.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
