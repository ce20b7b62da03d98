package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type LookupFunc func(name string) (string, bool)

// FromEnv builds a configuration from the legacy environment variables.
// Unset variables keep their defaults.
func FromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}
	cfg := Default()

	setString(&cfg.OpenWebUI.URL, get("OPENWEBUI_URL"))
	cfg.OpenWebUI.APIKey = get("OPENWEBUI_API_KEY")

	setString(&cfg.Sync.Schedule, get("SYNC_SCHEDULE"))
	setString(&cfg.Sync.Time, get("SYNC_TIME"))
	setString(&cfg.Sync.Day, get("SYNC_DAY"))
	setString(&cfg.Sync.Timezone, get("TZ"))

	setString(&cfg.Files.Directory, get("FILES_DIR"))
	if raw := get("ALLOWED_EXTENSIONS"); raw != "" {
		cfg.Files.AllowedExtensions = splitList(raw)
	}
	setString(&cfg.Files.StateFile, get("STATE_FILE"))
	cfg.Files.LockFile = get("LOCK_FILE")

	if name := get("KNOWLEDGE_BASE_NAME"); name != "" {
		cfg.KnowledgeBases.SingleKBMode = true
		cfg.KnowledgeBases.SingleKBName = name
	} else {
		if raw := get("KNOWLEDGE_BASE_MAPPINGS"); raw != "" {
			var mappings []Mapping
			if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
				return Config{}, invalid("KNOWLEDGE_BASE_MAPPINGS", "not a JSON list of mappings: %v", err)
			}
			cfg.KnowledgeBases.Mappings = mappings
		}
		cfg.KnowledgeBases.LegacyMapping = get("KNOWLEDGE_BASE_MAPPING")
	}
	if raw := get("KNOWLEDGE_BASE_BACKFILL"); raw != "" {
		cfg.KnowledgeBases.Backfill = strings.EqualFold(raw, "true")
	}

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"MAX_RETRY_ATTEMPTS", &cfg.Retry.MaxAttempts},
		{"RETRY_DELAY", &cfg.Retry.Delay},
		{"UPLOAD_TIMEOUT", &cfg.Retry.UploadTimeout},
		{"POLL_INTERVAL", &cfg.Retry.PollInterval},
	} {
		raw := get(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, invalid(v.name, "%q is not an integer", raw)
		}
		*v.dst = n
	}

	if raw := get("SSH_REMOTE_SOURCES"); raw != "" {
		var sources []Source
		if err := json.Unmarshal([]byte(raw), &sources); err != nil {
			return Config{}, invalid("SSH_REMOTE_SOURCES", "not a JSON list of sources: %v", err)
		}
		if len(sources) > 0 {
			cfg.SSH.Enabled = true
			cfg.SSH.Sources = sources
		}
	}
	setString(&cfg.SSH.KeyPath, get("SSH_KEY_PATH"))
	cfg.SSH.KnownHostsFile = get("SSH_KNOWN_HOSTS_FILE")
	cfg.SSH.StrictHostKeyChecking = strings.EqualFold(get("SSH_STRICT_HOST_KEY_CHECKING"), "true")
	cfg.SSH.AcceptUnknownHosts = strings.EqualFold(get("SSH_ACCEPT_UNKNOWN_HOSTS"), "true")
	return cfg, nil
}

// ExportEnv writes the environment-derived configuration to path, for the
// one-time move from environment variables to a document.
func ExportEnv(lookup LookupFunc, path string) (Config, error) {
	cfg, err := FromEnv(lookup)
	if err != nil {
		return Config{}, err
	}
	if err := Save(cfg, path); err != nil {
		return Config{}, fmt.Errorf("export config: %w", err)
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
