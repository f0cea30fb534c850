package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, 30, cfg.Webhook.RateLimit)
	require.Equal(t, time.Minute, cfg.Webhook.Window)
	require.Equal(t, int64(60_000), cfg.Rooms.CycleGapMs)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quoroom.yaml", `
version: 1
llm:
  provider: openai
  model: gpt-4o-mini
rooms:
  cycle_gap_ms: 5000
wallet:
  rpc_url: https://rpc.example.test
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	require.Equal(t, int64(5000), cfg.Rooms.CycleGapMs)
	require.Equal(t, "https://rpc.example.test", cfg.Wallet.RPCURL)
	// Untouched defaults survive.
	require.Equal(t, 30, cfg.Webhook.RateLimit)
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quoroom.json5", `{
  // comments are allowed
  llm: { provider: "anthropic" },
  source: "installer",
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "installer", cfg.Source)
}

func TestIncludeMergesAndOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
rooms:
  cycle_gap_ms: 9000
  max_turns_per_cycle: 4
`)
	path := writeFile(t, dir, "quoroom.yaml", `
$include: base.yaml
rooms:
  cycle_gap_ms: 2000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(2000), cfg.Rooms.CycleGapMs, "including file wins")
	require.Equal(t, 4, cfg.Rooms.MaxTurnsPerCycle, "included keys survive")
}

func TestIncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "cycle")
}

func TestUnknownKeysRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quoroom.yaml", "no_such_section: true\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quoroom.yaml", `
data:
  dir: /tmp/from-file
`)
	t.Setenv(EnvDataDir, "/tmp/from-env")
	t.Setenv(EnvDBPath, "/tmp/custom.db")
	t.Setenv(EnvSource, "ci")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-env", cfg.DataDir())
	require.Equal(t, "/tmp/custom.db", cfg.DBPath())
	require.Equal(t, "ci", cfg.Source)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Data.Dir = "/data/qr"
	require.Equal(t, filepath.Join("/data/qr", "quoroom.db"), cfg.DBPath())
	require.Equal(t, filepath.Join("/data/qr", "results"), cfg.ResultsDir())
}

func TestEnvInterpolationInFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QR_TEST_MODEL", "claude-sonnet-4-20250514")
	path := writeFile(t, dir, "quoroom.yaml", `
llm:
  model: ${QR_TEST_MODEL}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4-20250514", cfg.LLM.Model)
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "llamacpp"
	require.Error(t, cfg.Validate())
}

func TestVersionValidation(t *testing.T) {
	require.NoError(t, ValidateVersion(CurrentVersion))
	require.Error(t, ValidateVersion(CurrentVersion+1))
	require.Error(t, ValidateVersion(0))

	dir := t.TempDir()
	path := writeFile(t, dir, "quoroom.yaml", "version: 99\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "newer than this build")
}
