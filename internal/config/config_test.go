package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("data", "staging"), cfg.StagingDir)
	assert.Equal(t, filepath.Join("data", "archives"), cfg.ArchiveDir)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "not_exists.yml"))
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, StoreFile, cfg.Store)
	assert.Equal(t, defaultMaxAttempts, cfg.Model.MaxAttempts)
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadReadsAndNormalizes(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "d")
	path := writeConfig(t, `
port: 9090
data_dir: `+dataDir+`
store: SQLite
max_concurrent_projects: 0
step_timeout: 90s
log_level: DEBUG
model:
  provider: OpenAI
  name: gpt-4o-mini
  api_key: sk-test
  max_attempts: 5
  backoff_unit: 250ms
  temperature: 0.2
planner:
  check_intent: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 0, cfg.MaxConcurrentProjects)
	assert.Equal(t, 90*time.Second, cfg.StepTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, 5, cfg.Model.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Model.BackoffUnit)
	require.NotNil(t, cfg.Model.Temperature)
	assert.InDelta(t, 0.2, *cfg.Model.Temperature, 1e-6)
	assert.True(t, cfg.Planner.CheckIntent)
	assert.Equal(t, filepath.Join(dataDir, "staging"), cfg.StagingDir)
}

func TestLoadReportsEveryInvalidField(t *testing.T) {
	path := writeConfig(t, `
port: 70000
store: redis
max_concurrent_projects: -1
model:
  provider: llama
  max_attempts: -2
`)
	_, err := Load(path)

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field)
	}
	assert.Contains(t, fields, "port")
	assert.Contains(t, fields, "store")
	assert.Contains(t, fields, "max_concurrent_projects")
	assert.Contains(t, fields, "model.provider")
	assert.Contains(t, fields, "model.max_attempts")
}

func TestLoadRejectsFileAsDataDir(t *testing.T) {
	notDir := writeConfig(t, "x")
	path := writeConfig(t, "data_dir: "+notDir+"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GEMINI_API_KEY":           "plain",
		"STEPFORGE_GEMINI_API_KEY": " scoped ",
		"OPENAI_API_KEY":           "oa",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	cfg.ApplyEnv(lookup)
	assert.Equal(t, "scoped", cfg.Model.APIKey)

	cfg = Default()
	cfg.Model.Provider = "openai"
	cfg.ApplyEnv(lookup)
	assert.Equal(t, "oa", cfg.Model.APIKey)

	cfg = Default()
	cfg.Model.APIKey = "from-file"
	cfg.ApplyEnv(lookup)
	assert.Equal(t, "from-file", cfg.Model.APIKey)
}
