package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempPaths(t *testing.T) Paths {
	t.Helper()
	dir := t.TempDir()
	return Paths{
		Global:  filepath.Join(dir, "home", ".celebiconfig"),
		Project: filepath.Join(dir, "project", StateDir, "config"),
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(tempPaths(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Merge.Strategy != "auto" {
		t.Errorf("expected strategy auto, got %q", cfg.Merge.Strategy)
	}
	if !cfg.Merge.Record || !cfg.Impression.Publish || !cfg.Color.UI {
		t.Errorf("expected boolean defaults to be true: %+v", cfg)
	}
	if cfg.Impression.Parallelism != 1 {
		t.Errorf("expected parallelism 1, got %d", cfg.Impression.Parallelism)
	}
	if cfg.GCGrace() != 14*24*time.Hour {
		t.Errorf("unexpected grace %v", cfg.GCGrace())
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	paths := tempPaths(t)
	writeJSON(t, paths.Global, map[string]any{
		"merge":      map[string]any{"strategy": "union", "union_fallback": "local"},
		"impression": map[string]any{"parallelism": 4},
	})
	writeJSON(t, paths.Project, map[string]any{
		"merge": map[string]any{"strategy": "remote"},
	})

	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Merge.Strategy != "remote" {
		t.Errorf("project strategy should win, got %q", cfg.Merge.Strategy)
	}
	if cfg.Merge.UnionFallback != "local" {
		t.Errorf("global union_fallback should survive, got %q", cfg.Merge.UnionFallback)
	}
	if cfg.Impression.Parallelism != 4 {
		t.Errorf("expected parallelism 4, got %d", cfg.Impression.Parallelism)
	}
	if !cfg.Merge.Record {
		t.Error("fields absent from both files should keep their default")
	}
}

func TestEnvOverrides(t *testing.T) {
	paths := tempPaths(t)
	writeJSON(t, paths.Project, map[string]any{"merge": map[string]any{"strategy": "union"}})

	t.Setenv("CELEBI_MERGE_STRATEGY", "local")
	t.Setenv("CELEBI_IMPRESSION_PARALLELISM", "8")
	t.Setenv("CELEBI_LOG_LEVEL", "debug")
	t.Setenv("NO_COLOR", "1")

	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Merge.Strategy != "local" || cfg.Impression.Parallelism != 8 || cfg.Log.Level != "debug" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Color.UI {
		t.Error("NO_COLOR should disable color")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]any{
		"strategy":    map[string]any{"merge": map[string]any{"strategy": "octopus"}},
		"parallelism": map[string]any{"impression": map[string]any{"parallelism": 0}},
		"log format":  map[string]any{"log": map[string]any{"format": "xml"}},
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			paths := tempPaths(t)
			writeJSON(t, paths.Project, doc)
			if _, err := Load(paths); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	paths := tempPaths(t)
	if err := os.MkdirAll(filepath.Dir(paths.Project), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Project, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(paths); err == nil {
		t.Error("expected parse error")
	}
}

func TestSetValue(t *testing.T) {
	paths := tempPaths(t)

	if err := SetValue(paths, "merge.strategy", "union", false); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(paths, "impression.parallelism", "3", false); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(paths, "color.ui", "off", true); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for key, want := range map[string]string{
		"merge.strategy":         "union",
		"impression.parallelism": "3",
		"color.ui":               "false",
		"merge.record":           "true",
	} {
		got, err := cfg.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
		if got != want {
			t.Errorf("%s: expected %q, got %q", key, want, got)
		}
	}

	// Only the keys that were set are written to the project file.
	data, err := os.ReadFile(paths.Project)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if len(raw) != 2 || len(raw["merge"]) != 1 {
		t.Errorf("unexpected project file: %s", data)
	}
}

func TestSetValueErrors(t *testing.T) {
	paths := tempPaths(t)
	tests := []struct{ key, value string }{
		{"strategy", "union"},
		{"merge.colour", "x"},
		{"merge.strategy", "octopus"},
		{"merge.record", "maybe"},
		{"impression.parallelism", "many"},
		{"impression.parallelism", "0"},
	}
	for _, tt := range tests {
		if err := SetValue(paths, tt.key, tt.value, false); err == nil {
			t.Errorf("SetValue(%s, %s): expected error", tt.key, tt.value)
		}
	}
	if _, err := os.Stat(paths.Project); !os.IsNotExist(err) {
		t.Error("failed SetValue calls must not create the file")
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"yes": true, "ON": true, "0": false, "off": false, "": true, "junk": true} {
		if got := parseBool(in, true); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	if len(keys) != len(settings) {
		t.Fatalf("expected %d keys, got %d", len(settings), len(keys))
	}
	cfg := DefaultConfig()
	for _, k := range keys {
		if _, err := cfg.Get(k); err != nil {
			t.Errorf("Get(%s): %v", k, err)
		}
	}
}
