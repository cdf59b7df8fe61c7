package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the server listens on.
	DefaultAddr = ":43180"
	// DefaultGracePeriod is how long a closing client may reconnect before
	// its session state is reclaimed.
	DefaultGracePeriod = 300 * time.Second
	// DefaultSweepInterval is the cadence of the removal sweep.
	DefaultSweepInterval = 500 * time.Millisecond
	// DefaultNotifyWait bounds blocking waits on event delivery.
	DefaultNotifyWait = 2 * time.Second

	// DefaultTraceDumpWindow bounds how frequently trace dumps may be requested.
	DefaultTraceDumpWindow = time.Minute
	// DefaultTraceDumpBurst sets how many trace dumps fit in one window.
	DefaultTraceDumpBurst = 1

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "plangame.log"
	// DefaultLogMaxSizeMB caps a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression of rotated files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the game server process.
type Config struct {
	Address         string
	AllowedOrigins  []string
	BaseURL         string
	GracePeriod     time.Duration
	SweepInterval   time.Duration
	NotifyWait      time.Duration
	TraceDir        string
	TraceDumpWindow time.Duration
	TraceDumpBurst  int
	AdminToken      string
	FeedSecret      string
	Logging         LoggingConfig
}

// LoggingConfig captures structured logging options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the configuration from PLANGAME_* environment variables,
// applying defaults and returning every invalid override in one error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("PLANGAME_ADDR", DefaultAddr),
		AllowedOrigins:  parseList(os.Getenv("PLANGAME_ALLOWED_ORIGINS")),
		BaseURL:         strings.TrimSpace(os.Getenv("PLANGAME_BASE_URL")),
		GracePeriod:     DefaultGracePeriod,
		SweepInterval:   DefaultSweepInterval,
		NotifyWait:      DefaultNotifyWait,
		TraceDir:        strings.TrimSpace(os.Getenv("PLANGAME_TRACE_DIR")),
		TraceDumpWindow: DefaultTraceDumpWindow,
		TraceDumpBurst:  DefaultTraceDumpBurst,
		AdminToken:      strings.TrimSpace(os.Getenv("PLANGAME_ADMIN_TOKEN")),
		FeedSecret:      strings.TrimSpace(os.Getenv("PLANGAME_FEED_SECRET")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("PLANGAME_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("PLANGAME_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	for _, spec := range []struct {
		key    string
		target *time.Duration
	}{
		{"PLANGAME_GRACE_PERIOD", &cfg.GracePeriod},
		{"PLANGAME_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"PLANGAME_NOTIFY_WAIT", &cfg.NotifyWait},
		{"PLANGAME_TRACE_DUMP_WINDOW", &cfg.TraceDumpWindow},
	} {
		raw := strings.TrimSpace(os.Getenv(spec.key))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", spec.key, raw))
			continue
		}
		*spec.target = duration
	}

	if raw := strings.TrimSpace(os.Getenv("PLANGAME_TRACE_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PLANGAME_TRACE_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.TraceDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLANGAME_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PLANGAME_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLANGAME_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PLANGAME_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLANGAME_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("PLANGAME_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("PLANGAME_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("PLANGAME_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
