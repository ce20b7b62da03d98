// Package config loads the sync configuration from a JSON or YAML document,
// or from environment variables when no document exists.
//
// The document layout is:
//
//	openwebui:        url, api_key
//	sync:             schedule, time, day, timezone
//	files:            directory, allowed_extensions, state_file, lock_file
//	knowledge_bases:  single_kb_mode, single_kb_name, mappings, legacy_mapping, backfill
//	retry:            max_attempts, delay, upload_timeout, poll_interval
//	ssh:              enabled, key_path, known_hosts_file, strict_host_key_checking,
//	                  accept_unknown_hosts, sources
//	volumes:          host, container, readonly
//
// Keys missing from a document keep their default values. Lists replace
// the default list rather than merging with it.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/kbsync/internal/filter"
)

const (
	DefaultConfigFile = "/app/config/filesync-config.json"
	DefaultURL        = "http://localhost:8080"
	DefaultDirectory  = "/data"
	DefaultStateFile  = "/app/sync_state.json"
	DefaultKeyPath    = "/app/ssh_keys"
	DefaultSSHPort    = 22

	// OriginEnvironment is reported by Resolve when no document was read.
	OriginEnvironment = "environment"
)

// DefaultExtensions is the allowed_extensions default.
var DefaultExtensions = []string{".md", ".txt", ".pdf", ".doc", ".docx", ".json", ".yaml", ".yml", ".conf"}

type Config struct {
	OpenWebUI      OpenWebUI      `json:"openwebui"`
	Sync           Schedule       `json:"sync"`
	Files          Files          `json:"files"`
	KnowledgeBases KnowledgeBases `json:"knowledge_bases"`
	Retry          Retry          `json:"retry"`
	SSH            SSH            `json:"ssh"`
	Volumes        []Volume       `json:"volumes"`
}

type OpenWebUI struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// Schedule is read by the external scheduler. The engine only validates it.
type Schedule struct {
	Schedule string `json:"schedule"`
	Time     string `json:"time"`
	Day      string `json:"day"`
	Timezone string `json:"timezone"`
}

type Files struct {
	Directory         string   `json:"directory"`
	AllowedExtensions []string `json:"allowed_extensions"`
	// StateFile is a plain path or a state backend DSN.
	StateFile string `json:"state_file"`
	// LockFile overrides the run lock path for backends without their own
	// lock. Empty means StateFile + ".lock" for file paths.
	LockFile string `json:"lock_file,omitempty"`
}

type KnowledgeBases struct {
	SingleKBMode  bool      `json:"single_kb_mode"`
	SingleKBName  string    `json:"single_kb_name"`
	Mappings      []Mapping `json:"mappings"`
	LegacyMapping string    `json:"legacy_mapping,omitempty"`
	// Backfill reconstructs missing state records from files already
	// present in a knowledge base before uploading.
	Backfill bool `json:"backfill"`
}

type Mapping struct {
	Path string `json:"path"`
	KB   string `json:"kb"`
	filter.Filters
}

type Retry struct {
	MaxAttempts int `json:"max_attempts"`
	// Delay, UploadTimeout and PollInterval are seconds.
	Delay         int `json:"delay"`
	UploadTimeout int `json:"upload_timeout"`
	PollInterval  int `json:"poll_interval"`
}

type SSH struct {
	Enabled               bool     `json:"enabled"`
	KeyPath               string   `json:"key_path"`
	KnownHostsFile        string   `json:"known_hosts_file,omitempty"`
	StrictHostKeyChecking bool     `json:"strict_host_key_checking"`
	AcceptUnknownHosts    bool     `json:"accept_unknown_hosts"`
	Sources               []Source `json:"sources"`
}

type Source struct {
	Host        string   `json:"host"`
	Port        int      `json:"port,omitempty"`
	Username    string   `json:"username"`
	Password    string   `json:"password,omitempty"`
	KeyFilename string   `json:"key_filename,omitempty"`
	Paths       []string `json:"paths"`
	KB          string   `json:"kb,omitempty"`
	filter.Filters
}

// Volume documents a container bind mount. It has no effect on a run.
type Volume struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	Readonly  bool   `json:"readonly"`
}

func Default() Config {
	return Config{
		OpenWebUI: OpenWebUI{URL: DefaultURL},
		Sync: Schedule{
			Schedule: "daily",
			Time:     "00:00",
			Day:      "0",
			Timezone: "UTC",
		},
		Files: Files{
			Directory:         DefaultDirectory,
			AllowedExtensions: append([]string(nil), DefaultExtensions...),
			StateFile:         DefaultStateFile,
		},
		KnowledgeBases: KnowledgeBases{
			Mappings: []Mapping{},
			Backfill: true,
		},
		Retry: Retry{
			MaxAttempts:   3,
			Delay:         60,
			UploadTimeout: 300,
			PollInterval:  5,
		},
		SSH: SSH{
			KeyPath: DefaultKeyPath,
			Sources: []Source{},
		},
		Volumes: []Volume{},
	}
}

// Load reads a JSON or YAML document, chosen by extension, validates it
// against the document schema and decodes it over Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, formatOf(path))
}

// Parse decodes data in the given format ("json" or "yaml").
func Parse(data []byte, format string) (Config, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return Config{}, err
	}
	if err := validateDocument(doc); err != nil {
		return Config{}, err
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Resolve picks the configuration source. An explicit path must exist.
// Otherwise CONFIG_FILE, then DefaultConfigFile, is loaded when present and
// the environment is used when it is not. The second result names the
// source.
func Resolve(explicit string, lookup LookupFunc) (Config, string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if path := strings.TrimSpace(explicit); path != "" {
		cfg, err := Load(path)
		return cfg, path, err
	}
	path := DefaultConfigFile
	if v, ok := lookup("CONFIG_FILE"); ok && strings.TrimSpace(v) != "" {
		path = strings.TrimSpace(v)
	}
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, path, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, path, fmt.Errorf("stat config %s: %w", path, err)
	}
	cfg, err := FromEnv(lookup)
	return cfg, OriginEnvironment, err
}

// Save writes cfg as indented JSON, creating the parent directory.
func Save(cfg Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	// The document carries the API key.
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Redacted returns a copy with credentials masked.
func (c Config) Redacted() Config {
	const mask = "********"
	out := c
	if out.OpenWebUI.APIKey != "" {
		out.OpenWebUI.APIKey = mask
	}
	out.SSH.Sources = make([]Source, len(c.SSH.Sources))
	for i, src := range c.SSH.Sources {
		if src.Password != "" {
			src.Password = mask
		}
		out.SSH.Sources[i] = src
	}
	return out
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// toJSON normalizes a YAML document to JSON so both formats share one
// schema and one decoder.
func toJSON(data []byte, format string) ([]byte, error) {
	if format != "yaml" {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml config: %w", err)
	}
	return out, nil
}
