package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidValue  = errors.New("invalid value")
	ErrMissingAPIKey = errors.New("openwebui.api_key is required")
)

// ValidationError names the offending setting.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidValue}, args...)...)}
}

// Validate reports every semantic problem in c, joined. It does not require
// an API key; commands that talk to the service call RequireAPIKey.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(strings.TrimSpace(c.OpenWebUI.URL)); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, invalid("openwebui.url", "%q is not an http(s) URL", c.OpenWebUI.URL))
	}

	switch c.Sync.Schedule {
	case "hourly", "daily", "weekly":
	default:
		errs = append(errs, invalid("sync.schedule", "%q is not hourly, daily or weekly", c.Sync.Schedule))
	}
	if _, err := time.Parse("15:04", c.Sync.Time); err != nil {
		errs = append(errs, invalid("sync.time", "%q is not HH:MM", c.Sync.Time))
	}
	if c.Sync.Schedule == "weekly" {
		if d, err := strconv.Atoi(c.Sync.Day); err != nil || d < 0 || d > 6 {
			errs = append(errs, invalid("sync.day", "%q is not a weekday between 0 and 6", c.Sync.Day))
		}
	}
	if tz := strings.TrimSpace(c.Sync.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, invalid("sync.timezone", "%q: %v", tz, err))
		}
	}

	if strings.TrimSpace(c.Files.Directory) == "" {
		errs = append(errs, invalid("files.directory", "must not be empty"))
	}
	if strings.TrimSpace(c.Files.StateFile) == "" {
		errs = append(errs, invalid("files.state_file", "must not be empty"))
	}

	if c.KnowledgeBases.SingleKBMode && strings.TrimSpace(c.KnowledgeBases.SingleKBName) == "" {
		errs = append(errs, invalid("knowledge_bases.single_kb_name", "required in single_kb_mode"))
	}
	for i, m := range c.KnowledgeBases.Mappings {
		if strings.TrimSpace(m.Path) == "" || strings.TrimSpace(m.KB) == "" {
			errs = append(errs, invalid(fmt.Sprintf("knowledge_bases.mappings[%d]", i), "path and kb are required"))
		}
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, invalid("retry.max_attempts", "must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, invalid("retry.delay", "must not be negative, got %d", c.Retry.Delay))
	}
	if c.Retry.UploadTimeout < 1 {
		errs = append(errs, invalid("retry.upload_timeout", "must be positive, got %d", c.Retry.UploadTimeout))
	}
	if c.Retry.PollInterval < 1 {
		errs = append(errs, invalid("retry.poll_interval", "must be positive, got %d", c.Retry.PollInterval))
	}

	if c.SSH.Enabled {
		for i, src := range c.SSH.Sources {
			field := fmt.Sprintf("ssh.sources[%d]", i)
			if strings.TrimSpace(src.Host) == "" || strings.TrimSpace(src.Username) == "" {
				errs = append(errs, invalid(field, "host and username are required"))
			}
			if src.Port < 0 || src.Port > 65535 {
				errs = append(errs, invalid(field+".port", "%d is out of range", src.Port))
			}
			if len(src.Paths) == 0 {
				errs = append(errs, invalid(field+".paths", "at least one path is required"))
			}
		}
	}
	return errors.Join(errs...)
}

func (c Config) RequireAPIKey() error {
	if strings.TrimSpace(c.OpenWebUI.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}
