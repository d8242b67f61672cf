package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".conductor.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "version: \"1.0\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Subprojects.AutoDetect.Enabled)
	assert.ElementsMatch(t, []string{"packages/*", "apps/*"}, cfg.Subprojects.AutoDetect.Patterns)
	assert.Equal(t, 5, cfg.Agents.SubAgent.MaxParallel)
	assert.Equal(t, 30, cfg.Agents.SubAgent.TimeoutMinutes)
	assert.Equal(t, 3, cfg.Agents.CodeReview.MaxIterations)
	assert.Equal(t, "Todo", cfg.Workflow.Triggers.StartColumn)
	assert.Equal(t, "conductor/{task_id}/{short_description}", cfg.Workflow.BranchPattern)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 100, cfg.Server.RateLimitPerMinute)
}

func TestLoad_PreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `
version: "1.0"
agents:
  subAgent:
    maxParallel: 3
    timeoutMinutes: 10
workflow:
  branchPattern: "custom/{task_id}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agents.SubAgent.MaxParallel)
	assert.Equal(t, 10, cfg.Agents.SubAgent.TimeoutMinutes)
	assert.Equal(t, "custom/{task_id}", cfg.Workflow.BranchPattern)
}

func TestLoad_InvalidVersionRejected(t *testing.T) {
	path := writeConfig(t, "version: \"bogus\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MaxParallelOutOfRangeRejected(t *testing.T) {
	path := writeConfig(t, `
version: "1.0"
agents:
  subAgent:
    maxParallel: 20
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ExplicitSubprojectRequiresPathAndName(t *testing.T) {
	path := writeConfig(t, `
version: "1.0"
subprojects:
  explicit:
    - path: "apps/web"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestClone_DeepCopiesSlices(t *testing.T) {
	cfg := &Config{
		Version: "1.0",
		Subprojects: Subprojects{
			AutoDetect: AutoDetect{Patterns: []string{"a/*"}},
			Explicit:   []ExplicitSubproject{{Path: "a", Name: "a"}},
		},
		Security: Security{BlockedPatterns: []string{"*.env"}},
	}
	clone := cfg.Clone()
	clone.Subprojects.AutoDetect.Patterns[0] = "b/*"
	clone.Security.BlockedPatterns[0] = "*.key"

	assert.Equal(t, "a/*", cfg.Subprojects.AutoDetect.Patterns[0])
	assert.Equal(t, "*.env", cfg.Security.BlockedPatterns[0])
}

func TestIsValid_RequiresVersionPattern(t *testing.T) {
	cfg := &Config{Version: "1", Agents: Agents{SubAgent: AgentConfig{MaxParallel: 1, TimeoutMinutes: 1}}}
	assert.Error(t, cfg.IsValid())

	cfg.Version = "1.0"
	assert.NoError(t, cfg.IsValid())
}

func TestMustLoad_PanicsOnError(t *testing.T) {
	defer func() {
		assert.NotNil(t, recover())
	}()
	MustLoad(filepath.Join(t.TempDir(), "missing.yml"))
}
