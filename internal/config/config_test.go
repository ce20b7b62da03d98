package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/kbsync/internal/resolver"
)

func envMap(values map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.ErrorIs(t, cfg.RequireAPIKey(), ErrMissingAPIKey)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 60, cfg.Retry.Delay)
	assert.Equal(t, 300, cfg.Retry.UploadTimeout)
	assert.True(t, cfg.KnowledgeBases.Backfill)
	assert.Equal(t, DefaultExtensions, cfg.Files.AllowedExtensions)
}

func TestParseJSONKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"openwebui": {"api_key": "sk-1"},
		"files": {"directory": "/srv/docs"},
		"knowledge_bases": {"mappings": [{"path": "runbooks", "kb": "Runbooks", "exclude": ["*.tmp"]}]}
	}`), "json")
	require.NoError(t, err)

	assert.Equal(t, DefaultURL, cfg.OpenWebUI.URL)
	assert.Equal(t, "sk-1", cfg.OpenWebUI.APIKey)
	assert.Equal(t, "/srv/docs", cfg.Files.Directory)
	assert.Equal(t, DefaultStateFile, cfg.Files.StateFile)
	assert.Equal(t, "daily", cfg.Sync.Schedule)
	require.Len(t, cfg.KnowledgeBases.Mappings, 1)
	assert.Equal(t, []string{"*.tmp"}, cfg.KnowledgeBases.Mappings[0].Exclude)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
openwebui:
  url: https://webui.example
  api_key: sk-2
retry:
  max_attempts: 5
ssh:
  enabled: true
  sources:
    - host: files.example
      username: sync
      paths: [/etc/app]
      kb: Configs
      include: ["*.conf"]
`), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "https://webui.example", cfg.OpenWebUI.URL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 60, cfg.Retry.Delay)
	require.Len(t, cfg.SSH.Sources, 1)
	assert.Equal(t, []string{"*.conf"}, cfg.SSH.Sources[0].Include)

	remote := cfg.RemoteSources()
	require.Len(t, remote, 1)
	assert.Equal(t, DefaultSSHPort, remote[0].Port)
	assert.Equal(t, "Configs", remote[0].KnowledgeBase)
}

func TestParseEmptyYAML(t *testing.T) {
	cfg, err := Parse([]byte(""), "yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	tests := map[string]string{
		"bad schedule":    `{"sync": {"schedule": "monthly"}}`,
		"bad time":        `{"sync": {"time": "9am"}}`,
		"zero attempts":   `{"retry": {"max_attempts": 0}}`,
		"string attempts": `{"retry": {"max_attempts": "3"}}`,
		"mapping no kb":   `{"knowledge_bases": {"mappings": [{"path": "docs"}]}}`,
		"source no host":  `{"ssh": {"sources": [{"username": "u", "paths": []}]}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), "json")
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %T: %v", err, err)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	_, err := Parse([]byte(`{"openwebui": `), "json")
	require.Error(t, err)

	_, err = Parse([]byte("openwebui: [unterminated"), "yaml")
	require.Error(t, err)
}

func TestValidateReportsSemanticErrors(t *testing.T) {
	cfg := Default()
	cfg.OpenWebUI.URL = "localhost:8080"
	cfg.Sync.Schedule = "weekly"
	cfg.Sync.Day = "9"
	cfg.Sync.Timezone = "Mars/Olympus_Mons"
	cfg.KnowledgeBases.SingleKBMode = true
	cfg.SSH.Enabled = true
	cfg.SSH.Sources = []Source{{Host: "h", Username: "u", Port: 70000}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"openwebui.url", "sync.day", "sync.timezone", "knowledge_bases.single_kb_name", "ssh.sources[0].port", "ssh.sources[0].paths"} {
		assert.Contains(t, err.Error(), field)
	}
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "kbsync.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("files:\n  directory: /y\n"), 0o644))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/y", cfg.Files.Directory)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolvePrefersFileOverEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filesync-config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"files": {"directory": "/from-file"}}`), 0o644))
	env := envMap(map[string]string{"CONFIG_FILE": path, "FILES_DIR": "/from-env"})

	cfg, origin, err := Resolve("", env)
	require.NoError(t, err)
	assert.Equal(t, path, origin)
	assert.Equal(t, "/from-file", cfg.Files.Directory)
}

func TestResolveFallsBackToEnvironment(t *testing.T) {
	env := envMap(map[string]string{
		"CONFIG_FILE": filepath.Join(t.TempDir(), "absent.json"),
		"FILES_DIR":   "/from-env",
	})
	cfg, origin, err := Resolve("", env)
	require.NoError(t, err)
	assert.Equal(t, OriginEnvironment, origin)
	assert.Equal(t, "/from-env", cfg.Files.Directory)
}

func TestResolveExplicitPathMustExist(t *testing.T) {
	_, _, err := Resolve(filepath.Join(t.TempDir(), "absent.yaml"), envMap(nil))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.OpenWebUI.APIKey = "sk-3"
	cfg.KnowledgeBases.LegacyMapping = "docs:Docs"
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.OpenWebUI.APIKey = "sk-secret"
	cfg.SSH.Sources = []Source{{Host: "h", Username: "u", Password: "hunter2"}}

	red := cfg.Redacted()
	assert.NotEqual(t, "sk-secret", red.OpenWebUI.APIKey)
	assert.NotEqual(t, "hunter2", red.SSH.Sources[0].Password)
	assert.Equal(t, "hunter2", cfg.SSH.Sources[0].Password)
}

func TestResolverOptions(t *testing.T) {
	cfg := Default()
	cfg.Files.Directory = "/data"
	cfg.KnowledgeBases.Mappings = []Mapping{{Path: "docs", KB: "Docs"}}
	cfg.KnowledgeBases.LegacyMapping = "other:Other"

	r := resolver.New(cfg.ResolverOptions())
	assert.Equal(t, resolver.ModeMappings, r.Mode())

	cfg.KnowledgeBases.SingleKBMode = true
	cfg.KnowledgeBases.SingleKBName = "All"
	r = resolver.New(cfg.ResolverOptions())
	name, ok := r.Single()
	assert.True(t, ok)
	assert.Equal(t, "All", name)
}
