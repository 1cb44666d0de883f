package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/pkgforge/soar-dl/internal/domain"
)

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("$HOME/.soar-dl")
		v.AddConfigPath("/etc/soar-dl")
	}

	v.SetEnvPrefix("SOAR_DL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about; bind every key so an
	// environment variable applies even when the config file omits it.
	for _, key := range []string{
		"http.user_agent", "http.proxy", "http.connect_timeout", "http.header_timeout",
		"http.idle_read_timeout", "http.max_redirects", "http.max_attempts",
		"http.retry_initial", "http.retry_cap",
		"download.chunk_size", "download.concurrency", "download.ghcr_api", "download.progress_min_interval",
		"history.database_path", "history.limit",
		"logging.level", "logging.format", "logging.output_path",
	} {
		v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults.
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// expandPaths expands environment variables in path configurations.
func expandPaths(config *domain.Config) {
	config.History.DatabasePath = expandPath(config.History.DatabasePath)
	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}
}

// expandPath expands environment variables and ~ in paths.
func expandPath(path string) string {
	path = os.ExpandEnv(path)

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return path
}

// validateConfig validates the configuration.
func validateConfig(config *domain.Config) error {
	if config.HTTP.UserAgent == "" {
		return fmt.Errorf("user agent not configured")
	}

	if config.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}

	if config.Download.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	if config.Download.ChunkSize < 1024 {
		return fmt.Errorf("chunk size must be at least 1 KiB")
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	return nil
}
