// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "CONCATFS_CONFIG"

// Config is the concatfs configuration.
type Config struct {
	// Mountpoint is where the filesystem is mounted, and where the
	// concat client looks for it.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`

	// Digest is the algorithm that names composite files: blake3, or
	// sha1 for clients that compute SHA-1 names themselves.
	Digest string `yaml:"digest"`

	// Directories are the mode directories under the mount root.
	Directories []DirectoryConfig `yaml:"directories"`

	// Timeouts configures kernel cache lifetimes.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Archive configures archive-mode resolution.
	Archive ArchiveConfig `yaml:"archive"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MetricsListen, if set, is the host:port serving /metrics.
	MetricsListen string `yaml:"metrics_listen"`
}

// DirectoryConfig describes one mode directory.
type DirectoryConfig struct {
	// Name is the directory name under the mount root.
	Name string `yaml:"name"`

	// Mode is list, glob, or archive.
	Mode string `yaml:"mode"`

	// Separator splits list and glob specifications: "newline" or
	// "nul". Ignored in archive mode.
	Separator string `yaml:"separator"`
}

// SeparatorByte returns the byte named by Separator.
func (d DirectoryConfig) SeparatorByte() (byte, error) {
	switch d.Separator {
	case "newline":
		return '\n', nil
	case "nul", "":
		return 0, nil
	default:
		return 0, fmt.Errorf("directory %s: separator must be newline or nul, got %q", d.Name, d.Separator)
	}
}

// TimeoutsConfig configures kernel cache lifetimes. Values are Go
// duration strings ("1s", "250ms").
type TimeoutsConfig struct {
	Entry    time.Duration `yaml:"entry"`
	Attr     time.Duration `yaml:"attr"`
	Negative time.Duration `yaml:"negative"`
}

// ArchiveConfig configures archive-mode resolution.
type ArchiveConfig struct {
	// MaxBytes bounds archive images read from a path and the
	// expanded size of compressed tar streams.
	MaxBytes int64 `yaml:"max_bytes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mountpoint: DefaultMountpoint(),
		Digest:     "blake3",
		Directories: []DirectoryConfig{
			{Name: "from-file", Mode: "list", Separator: "newline"},
			{Name: "from-file0", Mode: "list", Separator: "nul"},
			{Name: "from-glob", Mode: "glob", Separator: "newline"},
			{Name: "from-glob0", Mode: "glob", Separator: "nul"},
			{Name: "from-zip", Mode: "archive"},
		},
		Timeouts: TimeoutsConfig{
			Entry:    time.Second,
			Attr:     time.Second,
			Negative: 100 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			MaxBytes: 1 << 30,
		},
		LogLevel: "info",
	}
}

// DefaultMountpoint returns $XDG_RUNTIME_DIR/concat-fuse, or
// ~/.concat-fuse when XDG_RUNTIME_DIR is unset.
func DefaultMountpoint() string {
	if runtimeDirectory := os.Getenv("XDG_RUNTIME_DIR"); runtimeDirectory != "" {
		return filepath.Join(runtimeDirectory, "concat-fuse")
	}
	homeDirectory, _ := os.UserHomeDir()
	return filepath.Join(homeDirectory, ".concat-fuse")
}

// Load loads the file named by CONCATFS_CONFIG. It fails if the
// variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your concatfs.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// LoadOrDefault loads path if non-empty, else the file named by
// CONCATFS_CONFIG if set, else returns Default.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv(EnvironmentVariable) != "" {
		return Load()
	}
	return Default(), nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) expandVariables() {
	c.Mountpoint = expandVars(c.Mountpoint, map[string]string{
		"HOME": os.Getenv("HOME"),
	})
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

var (
	validModes     = []string{"list", "glob", "archive"}
	validDigests   = []string{"blake3", "sha1"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	reservedNames  = []string{"VERSION", "DIGEST"}
)

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Mountpoint == "" {
		errs = append(errs, errors.New("mountpoint is required"))
	}
	if !contains(validDigests, c.Digest) {
		errs = append(errs, fmt.Errorf("digest must be one of %v, got %q", validDigests, c.Digest))
	}
	if !contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of %v, got %q", validLogLevels, c.LogLevel))
	}

	if len(c.Directories) == 0 {
		errs = append(errs, errors.New("at least one directory is required"))
	}
	seen := make(map[string]bool)
	for i, directory := range c.Directories {
		switch {
		case directory.Name == "":
			errs = append(errs, fmt.Errorf("directories[%d]: name is required", i))
		case strings.ContainsAny(directory.Name, "/\x00") || directory.Name == "." || directory.Name == "..":
			errs = append(errs, fmt.Errorf("directories[%d]: invalid name %q", i, directory.Name))
		case contains(reservedNames, directory.Name):
			errs = append(errs, fmt.Errorf("directories[%d]: name %q is reserved", i, directory.Name))
		case seen[directory.Name]:
			errs = append(errs, fmt.Errorf("directories[%d]: duplicate name %q", i, directory.Name))
		}
		seen[directory.Name] = true

		if !contains(validModes, directory.Mode) {
			errs = append(errs, fmt.Errorf("directories[%d]: mode must be one of %v, got %q", i, validModes, directory.Mode))
		}
		if directory.Mode != "archive" {
			if _, err := directory.SeparatorByte(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if c.Timeouts.Entry < 0 || c.Timeouts.Attr < 0 || c.Timeouts.Negative < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Archive.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("archive.max_bytes must be positive, got %d", c.Archive.MaxBytes))
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			errs = append(errs, fmt.Errorf("metrics_listen: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Level returns LogLevel as a slog level. Unknown values map to info.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
