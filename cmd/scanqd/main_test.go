package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scanq/internal/api"
	"github.com/mattjoyce/scanq/internal/backend"
	"github.com/mattjoyce/scanq/internal/config"
	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "state:\n  path: " + filepath.Join(dir, "scanq.db") + "\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := buildCLI()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func openTestBackend(t *testing.T, configPath string) *backend.Backend {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	be, err := backend.Open(context.Background(), cfg.State)
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })
	return be
}

func TestVersionJSON(t *testing.T) {
	out, _, err := runCLI(t, "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-01-02T15:04:05+10:00")
	require.True(t, ok)
	assert.Equal(t, "2026-01-02T05:04:05Z", got)

	_, ok = normalizeBuildTimeUTC("yesterday")
	assert.False(t, ok)
	assert.Equal(t, "0123456789ab", shortenCommit("0123456789abcdef"))
}

func TestQueueCommands(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	_, _, err := runCLI(t, "--config", cfgPath, "queue", "enqueue", "r1", "--task", "t1", "--owner", "alice")
	require.NoError(t, err)
	_, _, err = runCLI(t, "--config", cfgPath, "queue", "enqueue", "r2", "--start-from", "stopped")
	require.NoError(t, err)
	generated, _, err := runCLI(t, "--config", cfgPath, "queue", "enqueue")
	require.NoError(t, err)
	generated = strings.TrimSpace(generated)
	assert.Len(t, generated, 36)

	_, _, err = runCLI(t, "--config", cfgPath, "queue", "enqueue", "r1")
	assert.True(t, errors.Is(err, queue.ErrAlreadyQueued), "got %v", err)

	out, _, err := runCLI(t, "--config", cfgPath, "queue", "length")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	_, _, err = runCLI(t, "--config", cfgPath, "queue", "requeue", "r1")
	require.NoError(t, err)

	out, _, err = runCLI(t, "--config", cfgPath, "queue", "list", "--json")
	require.NoError(t, err)
	var entries []api.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"r2", generated, "r1"}, []string{entries[0].Report, entries[1].Report, entries[2].Report})
	assert.Equal(t, "alice", entries[2].Owner)
	assert.Equal(t, 1, entries[2].Requeues)
	assert.Equal(t, "stopped", entries[0].StartFrom)

	out, _, err = runCLI(t, "--config", cfgPath, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "REPORT")
	assert.Contains(t, out, "alice")

	_, _, err = runCLI(t, "--config", cfgPath, "queue", "remove", "r2")
	require.NoError(t, err)
	_, _, err = runCLI(t, "--config", cfgPath, "queue", "remove", "r2")
	assert.True(t, errors.Is(err, queue.ErrEntryNotFound), "got %v", err)

	out, _, err = runCLI(t, "--config", cfgPath, "queue", "cancel", "r1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled r1\n", out)

	_, _, err = runCLI(t, "--config", cfgPath, "queue", "clear")
	require.Error(t, err, "clear needs --yes")
	out, _, err = runCLI(t, "--config", cfgPath, "queue", "clear", "--yes")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 entries\n", out)
}

func TestQueueEnqueueRejectsBadStartFrom(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	_, _, err := runCLI(t, "--config", cfgPath, "queue", "enqueue", "r1", "--start-from", "middle")
	require.Error(t, err)
}

func TestQueueTickDisabled(t *testing.T) {
	cfgPath := writeTestConfig(t, "scheduler:\n  enabled: false\n")
	_, _, err := runCLI(t, "--config", cfgPath, "queue", "enqueue", "r1")
	require.NoError(t, err)

	out, _, err := runCLI(t, "--config", cfgPath, "queue", "tick")
	require.NoError(t, err)
	assert.Equal(t, "queue is disabled; nothing done\n", out)

	e, err := openTestBackend(t, cfgPath).Queue.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, e.HandlerPID)
}

func TestHandlerRunFinishesEntry(t *testing.T) {
	cfgPath := writeTestConfig(t, "scheduler:\n  work_unit: 1ms\n")
	_, _, err := runCLI(t, "--config", cfgPath, "queue", "enqueue", "r1")
	require.NoError(t, err)

	_, _, err = runCLI(t, "--config", cfgPath, "handler", "run", "--report", "r1", "--ceiling", "3", "--active-time", "1h")
	require.NoError(t, err)

	_, err = openTestBackend(t, cfgPath).Queue.Get(context.Background(), "r1")
	assert.True(t, errors.Is(err, queue.ErrEntryNotFound), "finished handler removes its entry, got %v", err)
}

func TestHandlerRunMissingEntryIsCancelled(t *testing.T) {
	cfgPath := writeTestConfig(t, "scheduler:\n  work_unit: 1ms\n")
	_, _, err := runCLI(t, "--config", cfgPath, "handler", "run", "--report", "gone")
	require.NoError(t, err)
}

func TestHandlerBudgetFlags(t *testing.T) {
	cfgPath := writeTestConfig(t, "scheduler:\n  max_active: 5\n  active_time: 1m\n")
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	cmd := buildHandlerRunCommand(&cliOptions{})
	f := &handlerRunFlags{}
	s, err := handlerBudget(cmd, cfg, f)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Ceiling())
	assert.Equal(t, "1m0s", s.ActiveTime().String())

	require.NoError(t, cmd.Flags().Set("ceiling", "0"))
	require.NoError(t, cmd.Flags().Set("active-time", "5s"))
	f.ceiling = 0
	f.activeTime = 5_000_000_000
	s, err = handlerBudget(cmd, cfg, f)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Ceiling())
	assert.Equal(t, "5s", s.ActiveTime().String())
}

func TestStatusNotRunning(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	out, _, err := runCLI(t, "--config", cfgPath, "status")
	var ee *exitError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.Equal(t, 3, ee.code)
	assert.Contains(t, out, "not running")
}

func TestConfigLockThenCheck(t *testing.T) {
	cfgPath := writeTestConfig(t, "scheduler:\n  heartbeat_grace: 30s\n")

	out, _, err := runCLI(t, "--config", cfgPath, "config", "check", "--strict")
	var ee *exitError
	require.True(t, errors.As(err, &ee), "unlocked config fails --strict, got %v", err)
	assert.Contains(t, out, "not locked")

	out, _, err = runCLI(t, "--config", cfgPath, "config", "lock")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote ")

	out, _, err = runCLI(t, "--config", cfgPath, "config", "check", "--strict")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Configuration valid.")

	require.NoError(t, os.WriteFile(cfgPath, []byte("service:\n  name: tampered\n"), 0o644))
	out, _, err = runCLI(t, "--config", cfgPath, "config", "check", "--json")
	require.Error(t, err)
	assert.Contains(t, out, "hash mismatch")
}

func TestConfigShowRedacts(t *testing.T) {
	cfgPath := writeTestConfig(t, "api:\n  enabled: true\n  auth:\n    api_key: s3cret\n")

	out, _, err := runCLI(t, "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, redacted)

	out, _, err = runCLI(t, "--config", cfgPath, "config", "show", "--show-secrets")
	require.NoError(t, err)
	assert.Contains(t, out, "s3cret")
}

func TestConfigTokenWithScopes(t *testing.T) {
	out, _, err := runCLI(t, "config", "token", "--scope", "queue:ro", "--scope", "settings:rw")
	require.NoError(t, err)
	assert.Contains(t, out, "# add under api.auth.tokens:")
	assert.Contains(t, out, "- queue:ro")
	assert.Contains(t, out, "- settings:rw")
}

func TestRedactSecretsCopies(t *testing.T) {
	cfg := config.Defaults()
	cfg.API.Auth.Tokens = []config.APIToken{{Token: "abc", Scopes: []string{"*"}}}
	r := redactSecrets(cfg)
	assert.Equal(t, redacted, r.API.Auth.Tokens[0].Token)
	assert.Equal(t, "abc", cfg.API.Auth.Tokens[0].Token, "original untouched")
}
