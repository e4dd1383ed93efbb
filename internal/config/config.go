package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
)

const (
	DefaultRefreshHours          = 6
	MaxRefreshHours              = 24
	DefaultMaxConcurrentRequests = 10
	DefaultRequestTimeoutSeconds = 30
	DefaultListenAddr            = "0.0.0.0:3000"
)

var ErrInvalidSwitch = errors.New("invalid boolean switch")

// Config is the process configuration, read once at startup.
type Config struct {
	GitLabHostname string
	GitLabToken    string

	RefreshInterval       time.Duration
	MaxConcurrentRequests int
	RequestsPerSecond     float64
	RequestTimeout        time.Duration

	SkipUserTokens        bool
	SkipNonExpiringTokens bool
	OwnedEntitiesOnly     bool
	AcceptInvalidCerts    bool

	ListenAddr    string
	LogLevel      string
	LogFormat     string
	ServiceCommit string
}

// Warning describes a value that was replaced by its default.
type Warning struct {
	Key    string
	Value  string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s=%q ignored: %s", w.Key, w.Value, w.Reason)
}

// Load reads the configuration from the environment. Out-of-range tunables fall
// back to their defaults and are reported as warnings; missing credentials and
// malformed switches are errors.
func Load() (Config, []Warning, error) {
	var (
		cfg      Config
		warnings []Warning
		err      error
	)

	if cfg.GitLabHostname, err = env.GetAsString("GITLAB_HOSTNAME", true, ""); err != nil {
		return Config{}, nil, err
	}
	cfg.GitLabHostname = strings.TrimSpace(cfg.GitLabHostname)
	if cfg.GitLabHostname == "" {
		return Config{}, nil, errors.New("GITLAB_HOSTNAME must not be empty")
	}
	if cfg.GitLabToken, err = env.GetAsString("GITLAB_TOKEN", true, ""); err != nil {
		return Config{}, nil, err
	}
	if strings.TrimSpace(cfg.GitLabToken) == "" {
		return Config{}, nil, errors.New("GITLAB_TOKEN must not be empty")
	}

	hours, w := intSetting("DATA_REFRESH_HOURS", DefaultRefreshHours, func(v int) bool {
		return v > 0 && v <= MaxRefreshHours
	})
	warnings = append(warnings, w...)
	cfg.RefreshInterval = time.Duration(hours) * time.Hour

	cfg.MaxConcurrentRequests, w = intSetting("MAX_CONCURRENT_REQUESTS", DefaultMaxConcurrentRequests, func(v int) bool {
		return v > 0
	})
	warnings = append(warnings, w...)

	timeout, w := intSetting("GITLAB_REQUEST_TIMEOUT_SECONDS", DefaultRequestTimeoutSeconds, func(v int) bool {
		return v > 0
	})
	warnings = append(warnings, w...)
	cfg.RequestTimeout = time.Duration(timeout) * time.Second

	rps, err := env.GetAsFloat64("GITLAB_REQUESTS_PER_SECOND", false, 0)
	if err != nil || rps < 0 {
		raw, _ := env.GetAsString("GITLAB_REQUESTS_PER_SECOND", false, "")
		warnings = append(warnings, Warning{Key: "GITLAB_REQUESTS_PER_SECOND", Value: raw, Reason: "expected a non-negative number, pacing disabled"})
		rps = 0
	}
	cfg.RequestsPerSecond = rps

	switches := []struct {
		key string
		dst *bool
	}{
		{"SKIP_USERS_TOKENS", &cfg.SkipUserTokens},
		{"SKIP_NON_EXPIRING_TOKENS", &cfg.SkipNonExpiringTokens},
		{"OWNED_ENTITIES_ONLY", &cfg.OwnedEntitiesOnly},
		{"ACCEPT_INVALID_CERTS", &cfg.AcceptInvalidCerts},
	}
	for _, s := range switches {
		if *s.dst, err = boolSwitch(s.key); err != nil {
			return Config{}, nil, err
		}
	}

	cfg.ListenAddr, _ = env.GetAsString("LISTEN_ADDR", false, DefaultListenAddr)
	cfg.LogLevel, _ = env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION")
	cfg.LogFormat, _ = env.GetAsString("LOGGING_FORMAT", false, "JSON")
	cfg.ServiceCommit, _ = env.GetAsString("BUILD_COMMIT", false, "unknown")

	return cfg, warnings, nil
}

func intSetting(key string, fallback int, valid func(int) bool) (int, []Warning) {
	v, err := env.GetAsInt(key, false, fallback)
	if err != nil {
		raw, _ := env.GetAsString(key, false, "")
		return fallback, []Warning{{Key: key, Value: raw, Reason: fmt.Sprintf("not an integer, using %d", fallback)}}
	}
	if !valid(v) {
		return fallback, []Warning{{Key: key, Value: fmt.Sprint(v), Reason: fmt.Sprintf("out of range, using %d", fallback)}}
	}
	return v, nil
}

func boolSwitch(key string) (bool, error) {
	raw, _ := env.GetAsString(key, false, "")
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return false, nil
	case "yes", "true", "1", "on":
		return true, nil
	case "no", "false", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s=%q (use yes or no)", ErrInvalidSwitch, key, raw)
	}
}
