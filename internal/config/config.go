package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Threads        int      `mapstructure:"threads"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"`
	Extensions     []string `mapstructure:"extensions"`
	Paths          []string `mapstructure:"paths"`
	VerifyMode     string   `mapstructure:"verify_mode"`
	TextureSink    string   `mapstructure:"texture_sink"`
	ReportDB       string   `mapstructure:"report_db"`
	CacheDir       string   `mapstructure:"cache_dir"`
	ExceptionsFile string   `mapstructure:"exceptions_file"`
}

// Load initializes and loads configuration from file
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("threads", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("verify_mode", "auto")
	v.SetDefault("texture_sink", "ldr")
	v.SetDefault("exceptions_file", "exceptions.txt")

	v.SetEnvPrefix("VALVERES")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigName("valveres")
		v.SetConfigType("yaml")
	}

	// the config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
