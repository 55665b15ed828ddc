package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/celebichrono/celebi/internal/ctxlog"
	"github.com/celebichrono/celebi/internal/diffmerge"
)

// StateDir is the per-project state directory.
const StateDir = ".celebi"

// Config represents celebi configuration
type Config struct {
	Merge      MergeConfig      `json:"merge"`
	Impression ImpressionConfig `json:"impression"`
	Color      ColorConfig      `json:"color"`
	Log        LogConfig        `json:"log"`
}

// MergeConfig holds merge engine settings. UnionFallback decides
// contradictory conflicts under the union strategy; empty leaves them
// unresolved.
type MergeConfig struct {
	Strategy      string `json:"strategy"`
	UnionFallback string `json:"union_fallback"`
	Record        bool   `json:"record"`
	MaxRepairs    int    `json:"max_repairs"`
}

// ImpressionConfig holds regeneration and gc settings
type ImpressionConfig struct {
	Parallelism int  `json:"parallelism"`
	Publish     bool `json:"publish"`
	GCGraceDays int  `json:"gc_grace_days"`
}

// ColorConfig holds color settings
type ColorConfig struct {
	UI bool `json:"ui"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Merge: MergeConfig{
			Strategy: string(diffmerge.StrategyAuto),
			Record:   true,
		},
		Impression: ImpressionConfig{
			Parallelism: 1,
			Publish:     true,
			GCGraceDays: 14,
		},
		Color: ColorConfig{UI: true},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// GCGrace returns the gc grace period as a duration.
func (c *Config) GCGrace() time.Duration {
	return time.Duration(c.Impression.GCGraceDays) * 24 * time.Hour
}

// Paths locates the two config files. Project values override global ones.
type Paths struct {
	Global  string
	Project string
}

// DefaultPaths returns ~/.celebiconfig and .celebi/config under projectDir.
func DefaultPaths(projectDir string) Paths {
	p := Paths{Project: filepath.Join(projectDir, StateDir, "config")}
	if home, err := os.UserHomeDir(); err == nil {
		p.Global = filepath.Join(home, ".celebiconfig")
	}
	return p
}

// Load reads the global then the project config over the defaults and
// applies environment overrides last. Missing files are skipped.
func Load(paths Paths) (*Config, error) {
	cfg := DefaultConfig()
	for _, path := range []string{paths.Global, paths.Project} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Fields absent from the file keep their current value.
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CELEBI_MERGE_STRATEGY"); v != "" {
		cfg.Merge.Strategy = v
	}
	if v := os.Getenv("CELEBI_IMPRESSION_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Impression.Parallelism = n
		}
	}
	if v := os.Getenv("CELEBI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CELEBI_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v, ok := os.LookupEnv("NO_COLOR"); ok && v != "" {
		cfg.Color.UI = false
	}
	if v := os.Getenv("CELEBI_COLOR"); v != "" {
		cfg.Color.UI = parseBool(v, cfg.Color.UI)
	}
}

// Validate checks values that files or the environment may have set.
func (c *Config) Validate() error {
	if _, err := diffmerge.ParseStrategy(c.Merge.Strategy); err != nil {
		return fmt.Errorf("merge.strategy: %w", err)
	}
	if c.Merge.UnionFallback != "" {
		if _, err := diffmerge.ParseStrategy(c.Merge.UnionFallback); err != nil {
			return fmt.Errorf("merge.union_fallback: %w", err)
		}
	}
	if c.Merge.MaxRepairs < 0 {
		return fmt.Errorf("merge.max_repairs must not be negative")
	}
	if c.Impression.Parallelism < 1 {
		return fmt.Errorf("impression.parallelism must be at least 1")
	}
	if c.Impression.GCGraceDays < 0 {
		return fmt.Errorf("impression.gc_grace_days must not be negative")
	}
	if _, err := ctxlog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

type setting struct {
	get   func(*Config) string
	parse func(string) (any, error)
}

func str(s string) (any, error) { return s, nil }

func boolean(s string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return nil, fmt.Errorf("invalid boolean %q", s)
}

func integer(s string) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

var settings = map[string]setting{
	"merge.strategy":           {func(c *Config) string { return c.Merge.Strategy }, str},
	"merge.union_fallback":     {func(c *Config) string { return c.Merge.UnionFallback }, str},
	"merge.record":             {func(c *Config) string { return strconv.FormatBool(c.Merge.Record) }, boolean},
	"merge.max_repairs":        {func(c *Config) string { return strconv.Itoa(c.Merge.MaxRepairs) }, integer},
	"impression.parallelism":   {func(c *Config) string { return strconv.Itoa(c.Impression.Parallelism) }, integer},
	"impression.publish":       {func(c *Config) string { return strconv.FormatBool(c.Impression.Publish) }, boolean},
	"impression.gc_grace_days": {func(c *Config) string { return strconv.Itoa(c.Impression.GCGraceDays) }, integer},
	"color.ui":                 {func(c *Config) string { return strconv.FormatBool(c.Color.UI) }, boolean},
	"log.level":                {func(c *Config) string { return c.Log.Level }, str},
	"log.format":               {func(c *Config) string { return c.Log.Format }, str},
}

// Keys lists every supported key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func lookup(key string) (setting, error) {
	if strings.Count(key, ".") != 1 {
		return setting{}, fmt.Errorf("invalid config key: %s (expected format: section.key)", key)
	}
	s, ok := settings[key]
	if !ok {
		return setting{}, fmt.Errorf("unknown config key: %s", key)
	}
	return s, nil
}

// Get returns the effective value of a key (e.g., "merge.strategy").
func (c *Config) Get(key string) (string, error) {
	s, err := lookup(key)
	if err != nil {
		return "", err
	}
	return s.get(c), nil
}

// SetValue writes one key to the global or project file, leaving the rest of
// that file untouched. The resulting configuration must still validate.
func SetValue(paths Paths, key, value string, global bool) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	typed, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	path := paths.Project
	if global {
		path = paths.Global
	}
	if path == "" {
		return fmt.Errorf("no config file location available")
	}

	raw := make(map[string]map[string]any)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to read config: %w", err)
	}

	section, field, _ := strings.Cut(key, ".")
	if raw[section] == nil {
		raw[section] = make(map[string]any)
	}
	raw[section][field] = typed

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	check := DefaultConfig()
	if err := json.Unmarshal(out, check); err != nil {
		return err
	}
	if err := check.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, append(out, '\n'), 0644)
}

// parseBool parses a boolean from string with a default value.
func parseBool(s string, defaultVal bool) bool {
	v, err := boolean(s)
	if err != nil {
		return defaultVal
	}
	return v.(bool)
}
