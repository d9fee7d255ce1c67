package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jchantrell/valveres/internal/vpk"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
	validSinks      = []string{"ldr", "hdr"}
)

// Validate checks values that flags may have overridden after Load.
func (c *Config) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		return fmt.Errorf("unknown log level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		return fmt.Errorf("unknown log format %q (valid: %s)", c.LogFormat, strings.Join(validLogFormats, ", "))
	}
	if !slices.Contains(validSinks, c.TextureSink) {
		return fmt.Errorf("unknown texture sink %q (valid: %s)", c.TextureSink, strings.Join(validSinks, ", "))
	}
	if _, err := vpk.ParseMode(c.VerifyMode); err != nil {
		return err
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
