package domain

import "time"

// Config is the application configuration, loaded from file and
// environment and overridden by flags.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Download DownloadConfig `mapstructure:"download"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HTTPConfig tunes the shared transport.
type HTTPConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	Proxy           string        `mapstructure:"proxy"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	HeaderTimeout   time.Duration `mapstructure:"header_timeout"`
	IdleReadTimeout time.Duration `mapstructure:"idle_read_timeout"`
	MaxRedirects    int           `mapstructure:"max_redirects"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryCap        time.Duration `mapstructure:"retry_cap"`
}

// DownloadConfig tunes the download engine.
type DownloadConfig struct {
	ChunkSize   int           `mapstructure:"chunk_size"`
	Concurrency int           `mapstructure:"concurrency"`
	GhcrAPI     string        `mapstructure:"ghcr_api"`
	ProgressMin time.Duration `mapstructure:"progress_min_interval"`
}

// HistoryConfig controls the download-history database. An empty path
// disables recording.
type HistoryConfig struct {
	DatabasePath string `mapstructure:"database_path"`
	Limit        int    `mapstructure:"limit"`
}

// LoggingConfig feeds pkg/logger.Options.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			UserAgent:       "pkgforge/soar",
			ConnectTimeout:  10 * time.Second,
			HeaderTimeout:   30 * time.Second,
			IdleReadTimeout: 60 * time.Second,
			MaxRedirects:    10,
			MaxAttempts:     4,
			RetryInitial:    500 * time.Millisecond,
			RetryCap:        30 * time.Second,
		},
		Download: DownloadConfig{
			ChunkSize:   64 * 1024,
			Concurrency: 1,
			ProgressMin: 33 * time.Millisecond,
		},
		History: HistoryConfig{
			DatabasePath: "$HOME/.soar-dl/history.db",
			Limit:        50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stderr",
		},
	}
}
