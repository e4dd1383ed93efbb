// Package app assembles the collection pipeline from a Config.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"tokenexporter.org/internal/collector"
	"tokenexporter.org/internal/config"
	"tokenexporter.org/internal/exposition"
	"tokenexporter.org/internal/gitlab"
)

// NewCollector builds the GitLab client, the three domain sources in their
// error-priority order (project, group, user) and the collector over them.
func NewCollector(cfg config.Config, version string, log *zap.SugaredLogger) (*collector.Collector, error) {
	client, err := gitlab.NewClient(gitlab.Options{
		Hostname:           cfg.GitLabHostname,
		Token:              cfg.GitLabToken,
		MaxConcurrent:      cfg.MaxConcurrentRequests,
		RequestsPerSecond:  cfg.RequestsPerSecond,
		Timeout:            cfg.RequestTimeout,
		AcceptInvalidCerts: cfg.AcceptInvalidCerts,
		UserAgent:          "gitlab-token-exporter/" + version,
		Logger:             log,
	})
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}

	opts := collector.ScanOptions{
		OwnedOnly: cfg.OwnedEntitiesOnly,
		Fanout:    2 * cfg.MaxConcurrentRequests,
		Logger:    log,
	}
	builder := exposition.New(exposition.Options{
		SkipNonExpiring: cfg.SkipNonExpiringTokens,
		Logger:          log,
	})

	return collector.New(builder, log,
		collector.NewProjectSource(client, opts),
		collector.NewGroupSource(client, opts),
		collector.NewUserSource(client, opts, cfg.SkipUserTokens),
	), nil
}

// LogWarnings reports configuration values that fell back to defaults.
func LogWarnings(log *zap.SugaredLogger, warnings []config.Warning) {
	for _, w := range warnings {
		log.Warnw("configuration value ignored", "key", w.Key, "value", w.Value, "reason", w.Reason)
	}
}
