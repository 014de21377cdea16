package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cordum/fimgate/core/infra/buildinfo"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version", "--env-file", "")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != buildinfo.Info() {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigCommandUsesFlagAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(cfgPath, []byte("http_addr: \":7000\"\ncache:\n  ttl: 2s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("FIMGATE_ENGINE_TIMEOUT=45s\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(envConfigPath, "")
	t.Setenv("FIMGATE_ENGINE_TIMEOUT", "")
	// godotenv never overrides variables that are already set, even empty ones.
	_ = os.Unsetenv("FIMGATE_ENGINE_TIMEOUT")

	out, err := run(t, "config", "--config", cfgPath, "--env-file", envPath)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{"7000", "ttl: 2s", "timeout: 45s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestConfigCommandMissingExplicitFile(t *testing.T) {
	t.Setenv(envConfigPath, "")
	_, err := run(t, "config", "--env-file", "", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestMissingEnvFileIgnored(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "none.yaml"))
	opts := &options{envFile: filepath.Join(t.TempDir(), "missing.env")}
	if err := opts.prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
}
