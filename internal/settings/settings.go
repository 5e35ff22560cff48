// Package settings persists core-wide settings as a JSON file.
// Defaults are built in; the file stores only explicit overrides, so
// new defaults apply to existing installations.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"sync"
)

// Known setting keys.
const (
	KeyAgencyMode        = "agency_mode"
	KeyContextTasksDays  = "context_tasks_days"
	KeyContextEventsDays = "context_events_days"
	KeyModel             = "model"
)

// Agency modes controlling task/event extraction from free text.
const (
	AgencyOff     = "off"
	AgencySuggest = "suggest"
	AgencyAuto    = "auto"
)

// CommandTags are the commands that accept a model_<command> override.
var CommandTags = []string{"reflect", "extract", "synthesize", "aggregate"}

// Defaults returns the built-in settings.
func Defaults() map[string]any {
	return map[string]any{
		KeyAgencyMode:        AgencySuggest,
		KeyContextTasksDays:  7,
		KeyContextEventsDays: 3,
		KeyModel:             "",
	}
}

// Store holds settings overrides, write-through to a JSON file. Safe
// for concurrent use.
type Store struct {
	mu     sync.Mutex
	path   string
	values map[string]any
	logger *slog.Logger
}

// NewStore loads the settings file at path, starting empty when the
// file does not exist yet.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		values: make(map[string]any),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	for k, v := range s.values {
		s.values[k] = normalize(v)
	}
	return s, nil
}

// normalize turns integral JSON numbers back into ints so stored and
// default values compare and print alike.
func normalize(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) {
		return int(f)
	}
	return v
}

// IsValidKey reports whether key belongs to the recognised set: the
// defaults plus model_<command> for the known command tags.
func IsValidKey(key string) bool {
	if _, ok := Defaults()[key]; ok {
		return true
	}
	for _, tag := range CommandTags {
		if key == "model_"+tag {
			return true
		}
	}
	return false
}

// Get returns the value for key: the stored override when present,
// else the built-in default, else nil.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return Defaults()[key]
}

// GetString returns key's value as a string, or fallback when unset or
// not a string.
func (s *Store) GetString(key, fallback string) string {
	if v, ok := s.Get(key).(string); ok && v != "" {
		return v
	}
	return fallback
}

// GetInt returns key's value as an int, accepting stored strings and
// floats, or fallback.
func (s *Store) GetInt(key string, fallback int) int {
	switch v := s.Get(key).(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Set stores and persists an override. Unrecognised keys are accepted
// but flagged: the returned bool is false and a warning is logged.
func (s *Store) Set(key string, value any) (bool, error) {
	known := IsValidKey(key)
	if !known {
		s.logger.Warn("setting unrecognised key", "key", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = normalize(value)
	if err := s.saveLocked(); err != nil {
		return known, err
	}
	return known, nil
}

// LoadAll returns the defaults merged with every stored override,
// overrides winning.
func (s *Store) LoadAll() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := Defaults()
	for k, v := range s.values {
		all[k] = v
	}
	return all
}

// GetModel resolves the model for a command: model_<command> when set,
// else the global model, else empty.
func (s *Store) GetModel(command string) string {
	if command != "" {
		if m := s.GetString("model_"+command, ""); m != "" {
			return m
		}
	}
	return s.GetString(KeyModel, "")
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
