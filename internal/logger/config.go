package logger

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds logging configuration. The env tags name the variables that
// override whatever the YAML file says.
type Config struct {
	Level          string `yaml:"level" env:"LOG_LEVEL"`
	ConsoleEnabled bool   `yaml:"console_enabled" env:"LOG_CONSOLE_ENABLED"`
	ConsoleFormat  string `yaml:"console_format" env:"LOG_CONSOLE_FORMAT"`
	FileEnabled    bool   `yaml:"file_enabled" env:"LOG_FILE_ENABLED"`
	FilePath       string `yaml:"file_path" env:"LOG_FILE_PATH"`
	FileFormat     string `yaml:"file_format" env:"LOG_FILE_FORMAT"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxBackups int    `yaml:"file_max_backups"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
	FileCompress   bool   `yaml:"file_compress"`
}

// DefaultConfig logs INFO and above as text to stdout.
func DefaultConfig() Config {
	return Config{
		Level:          "INFO",
		ConsoleEnabled: true,
		ConsoleFormat:  "text",
		FilePath:       "logs/cogserver.log",
		FileFormat:     "text",
		FileMaxSizeMB:  10,
		FileMaxBackups: 5,
		FileMaxAgeDays: 30,
	}
}

type fileConfig struct {
	Logging Config `yaml:"logging"`
}

// LoadConfig reads the "logging" section of a YAML file over the defaults,
// then applies environment overrides. A missing file is not an error.
func LoadConfig(configPath string) (Config, error) {
	wrapper := fileConfig{Logging: DefaultConfig()}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return DefaultConfig(), fmt.Errorf("read logging config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &wrapper); err != nil {
				return DefaultConfig(), fmt.Errorf("parse logging config: %w", err)
			}
		}
	}

	config := wrapper.Logging
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("logging environment: %w", err)
	}
	return config, nil
}
