// Package settings holds the runtime-tunable configuration: per-priority
// token/latency thresholds and the upstream API key.
//
// Values are persisted to <dataDir>/settings.json so edits made through
// PUT /v1/settings survive restarts. Readers always observe the latest
// written value — Thresholds and APIKey take the store mutex on every call
// and never cache. A missing or corrupt file degrades to the defaults.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nulpointcorp/llm-batcher/internal/model"
)

const settingsFile = "settings.json"

// Defaults matching the Settings UI (tokens | latency target).
var defaultThresholds = map[model.Priority]model.PriorityThreshold{
	model.PriorityHigh:   {Tokens: 512, LatencyMs: 100},
	model.PriorityMedium: {Tokens: 1024, LatencyMs: 200},
	model.PriorityLow:    {Tokens: 2048, LatencyMs: 300},
}

// fileShape is the on-disk layout. Pointer fields distinguish "never set"
// from an explicit zero.
type fileShape struct {
	APIKey         string                   `json:"api_key,omitempty"`
	HighPriority   *model.PriorityThreshold `json:"high_priority,omitempty"`
	MediumPriority *model.PriorityThreshold `json:"medium_priority,omitempty"`
	LowPriority    *model.PriorityThreshold `json:"low_priority,omitempty"`
}

// Store is the process-wide runtime settings accessor.
type Store struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// New creates a Store rooted at dataDir. The directory is created on demand;
// no file is written until the first Update.
func New(dataDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: filepath.Join(dataDir, settingsFile), log: log}
}

// Thresholds returns the current token budget and latency target for p.
// Stored values win over defaults; the file is re-read on every call.
func (s *Store) Thresholds(p model.Priority) model.PriorityThreshold {
	s.mu.Lock()
	raw := s.load()
	s.mu.Unlock()

	def := defaultThresholds[p]
	var stored *model.PriorityThreshold
	switch p {
	case model.PriorityHigh:
		stored = raw.HighPriority
	case model.PriorityLow:
		stored = raw.LowPriority
	default:
		stored = raw.MediumPriority
	}
	if stored == nil {
		return def
	}
	th := *stored
	if th.Tokens <= 0 {
		th.Tokens = def.Tokens
	}
	if th.LatencyMs <= 0 {
		th.LatencyMs = def.LatencyMs
	}
	return th
}

// APIKey returns the stored upstream API key, or "" when none is set
// (callers fall back to the static config key).
func (s *Store) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().APIKey
}

// Snapshot returns the current settings with the API key masked for display.
func (s *Store) Snapshot() model.SettingsSnapshot {
	s.mu.Lock()
	raw := s.load()
	s.mu.Unlock()

	snap := model.SettingsSnapshot{
		APIKey:         maskKey(raw.APIKey),
		HighPriority:   defaultThresholds[model.PriorityHigh],
		MediumPriority: defaultThresholds[model.PriorityMedium],
		LowPriority:    defaultThresholds[model.PriorityLow],
	}
	if raw.HighPriority != nil {
		snap.HighPriority = *raw.HighPriority
	}
	if raw.MediumPriority != nil {
		snap.MediumPriority = *raw.MediumPriority
	}
	if raw.LowPriority != nil {
		snap.LowPriority = *raw.LowPriority
	}
	return snap
}

// Update merges the non-nil fields of upd into the stored settings and
// persists the result. Returns the post-update snapshot.
func (s *Store) Update(upd model.SettingsUpdate) (model.SettingsSnapshot, error) {
	s.mu.Lock()
	raw := s.load()
	if upd.APIKey != nil {
		raw.APIKey = *upd.APIKey
	}
	if upd.HighPriority != nil {
		raw.HighPriority = upd.HighPriority
	}
	if upd.MediumPriority != nil {
		raw.MediumPriority = upd.MediumPriority
	}
	if upd.LowPriority != nil {
		raw.LowPriority = upd.LowPriority
	}
	err := s.save(raw)
	s.mu.Unlock()

	if err != nil {
		return model.SettingsSnapshot{}, fmt.Errorf("settings: save: %w", err)
	}
	return s.Snapshot(), nil
}

// load reads the settings file. Callers must hold s.mu.
func (s *Store) load() fileShape {
	var raw fileShape
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("settings load failed", slog.String("path", s.path), slog.String("error", err.Error()))
		}
		return raw
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("settings file corrupt, using defaults", slog.String("path", s.path), slog.String("error", err.Error()))
		return fileShape{}
	}
	return raw
}

// save writes the settings file. Callers must hold s.mu.
func (s *Store) save(raw fileShape) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// maskKey hides all but the last four characters of an API key.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) < 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}
