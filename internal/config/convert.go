package config

import (
	"strings"
	"time"

	"github.com/agentworkforce/kbsync/internal/resolver"
	"github.com/agentworkforce/kbsync/internal/source"
)

func (c Config) ResolverOptions() resolver.Options {
	opts := resolver.Options{
		SyncRoot:      c.Files.Directory,
		LegacyMapping: c.KnowledgeBases.LegacyMapping,
	}
	if c.KnowledgeBases.SingleKBMode {
		opts.SingleKnowledgeBase = strings.TrimSpace(c.KnowledgeBases.SingleKBName)
	}
	for _, m := range c.KnowledgeBases.Mappings {
		opts.Mappings = append(opts.Mappings, resolver.Mapping{
			Path:          m.Path,
			KnowledgeBase: m.KB,
			Filters:       m.Filters,
		})
	}
	return opts
}

// RemoteSources is empty unless ssh.enabled is set.
func (c Config) RemoteSources() []source.RemoteSource {
	if !c.SSH.Enabled {
		return nil
	}
	out := make([]source.RemoteSource, 0, len(c.SSH.Sources))
	for _, s := range c.SSH.Sources {
		port := s.Port
		if port == 0 {
			port = DefaultSSHPort
		}
		out = append(out, source.RemoteSource{
			Host:          s.Host,
			Port:          port,
			Username:      s.Username,
			Password:      s.Password,
			KeyFilename:   s.KeyFilename,
			Paths:         append([]string(nil), s.Paths...),
			KnowledgeBase: s.KB,
			Filters:       s.Filters,
		})
	}
	return out
}

func (c Config) SSHOptions() source.SSHOptions {
	return source.SSHOptions{
		KeyPath:               c.SSH.KeyPath,
		KnownHostsFile:        c.SSH.KnownHostsFile,
		StrictHostKeyChecking: c.SSH.StrictHostKeyChecking,
		AcceptUnknownHosts:    c.SSH.AcceptUnknownHosts,
	}
}

func (r Retry) DelayDuration() time.Duration {
	return time.Duration(r.Delay) * time.Second
}

func (r Retry) UploadTimeoutDuration() time.Duration {
	return time.Duration(r.UploadTimeout) * time.Second
}

func (r Retry) PollIntervalDuration() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}
