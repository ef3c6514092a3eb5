package hub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-autorunner/car/internal/agent"
)

func writeHubConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadHubConfig_ParsesAndDefaults(t *testing.T) {
	path := writeHubConfig(t, `
log_level: debug
default_agent: opencode
agents:
  opencode:
    scope: workspace
    command: ["opencode", "serve"]
    max_handles: 2
    idle_ttl_seconds: 600
repos:
  - id: web
    path: /srv/web
`)
	cfg, err := LoadHubConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "opencode", cfg.DefaultAgent)
	require.Equal(t, 60, cfg.ReconcileIntervalSeconds, "default fills in")
	require.Len(t, cfg.Repos, 1)
	require.Equal(t, []string{"opencode", "serve"}, cfg.Agents["opencode"].Command)
}

func TestLoadHubConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadHubConfig(filepath.Join(t.TempDir(), "hub.yaml"))
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "codex", cfg.DefaultAgent)
}

func TestLoadHubConfig_SchemaRejectsBadValues(t *testing.T) {
	path := writeHubConfig(t, `
log_level: loud
`)
	_, err := LoadHubConfig(path)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	path = writeHubConfig(t, `
agents:
  opencode:
    scope: workspace
`)
	_, err = LoadHubConfig(path)
	require.ErrorAs(t, err, &cfgErr, "agents need a command")
}

func TestAgentSupervisorConfig_Translation(t *testing.T) {
	cfg := HubConfig{Agents: map[string]AgentConfig{
		"opencode": {
			Scope:                 "global",
			Command:               []string{"opencode", "serve"},
			MaxHandles:            3,
			IdleTTLSeconds:        120,
			StartupTimeoutSeconds: 10,
		},
	}}
	sup, err := cfg.AgentSupervisorConfig("opencode", "/hub")
	require.NoError(t, err)
	require.Equal(t, agent.ScopeGlobal, sup.Scope)
	require.Equal(t, "/hub", sup.RegistryRoot)
	require.Equal(t, "OPENCODE_SERVER_PASSWORD", sup.PasswordEnv)
	require.Equal(t, 120*time.Second, sup.IdleTTL)

	_, err = cfg.AgentSupervisorConfig("codex", "/hub")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRepoConfig_MissingFileIsDefaults(t *testing.T) {
	cfg, err := LoadRepoConfig(t.TempDir())
	require.NoError(t, err)
	require.Zero(t, cfg.MaxTotalTurns)
	require.False(t, cfg.AutoCommit)
}

func TestLoadRepoConfig_ParsesYAML(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".codex-autorunner"), 0o755))
	content := "agent: opencode\nmax_total_turns: 12\nauto_commit: true\nturn_timeout_seconds: 300\n"
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".codex-autorunner", "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadRepoConfig(repo)
	require.NoError(t, err)
	require.Equal(t, "opencode", cfg.Agent)
	require.True(t, cfg.AutoCommit)

	engineCfg := cfg.EngineConfig()
	require.Equal(t, 12, engineCfg.MaxTotalTurns)
	require.Equal(t, 5*time.Minute, engineCfg.TurnTimeout)
}

func TestServices_LazyRepoConstructionAndClose(t *testing.T) {
	hubRoot := t.TempDir()
	repoRoot := t.TempDir()
	svc, err := NewServices(hubRoot, HubConfig{
		Repos: []RepoRef{{ID: "web", Path: repoRoot}},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := svc.Repo(ctx, repoRoot)
	require.NoError(t, err)
	require.Equal(t, "web", first.ID)
	require.NotNil(t, first.Controller)
	require.NotNil(t, first.Reconciler)

	again, err := svc.Repo(ctx, repoRoot)
	require.NoError(t, err)
	require.Same(t, first, again, "repo services are cached")

	svc.Close(ctx)
}

func TestServices_EnsureKnownAgent(t *testing.T) {
	svc, err := NewServices(t.TempDir(), HubConfig{
		Agents: map[string]AgentConfig{"opencode": {Command: []string{"opencode"}}},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.EnsureKnownAgent("opencode"))
	require.NoError(t, svc.EnsureKnownAgent("user"))
	require.Error(t, svc.EnsureKnownAgent("mystery"))
}

func TestSkipUpdateChecks(t *testing.T) {
	t.Setenv(EnvSkipUpdateChecks, "1")
	require.True(t, SkipUpdateChecks())
	t.Setenv(EnvSkipUpdateChecks, "0")
	require.False(t, SkipUpdateChecks())
}
