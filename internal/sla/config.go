package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/OpenNSW/caseflow/internal/logging"
)

const (
	defaultStartHour = 9
	defaultEndHour   = 17
	defaultHours     = 72
)

// BusinessHours is the daily window in which deadline hours are counted. An hour is counted when
// its hour-of-day h satisfies Start < h <= End; 0 to 24 counts every hour of a weekday.
type BusinessHours struct {
	Start int `yaml:"start" validate:"min=0,max=23"`
	End   int `yaml:"end" validate:"gtfield=Start,max=24"`
}

// Length is the number of business hours in one day.
func (b BusinessHours) Length() int {
	return b.End - b.Start
}

func (b BusinessHours) counts(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if b.Start == 0 && b.End == 24 {
		return true
	}
	h := t.Hour()
	return h > b.Start && h <= b.End
}

// Tables is the SLA configuration file:
//
//	timezone: Europe/London
//	businessHours: {start: 9, end: 17}
//	defaultHours: 72
//	alertTypes:
//	  SANCTIONS_HIT: 8
//	steps:
//	  3f0c...: 24   # WorkflowStep ID
type Tables struct {
	Timezone      string         `yaml:"timezone"`
	BusinessHours *BusinessHours `yaml:"businessHours"`
	DefaultHours  int            `yaml:"defaultHours" validate:"min=0"`
	AlertTypes    map[string]int `yaml:"alertTypes" validate:"dive,min=1"`
	Steps         map[string]int `yaml:"steps" validate:"dive,min=1"`

	location *time.Location
}

// DefaultTables returns the configuration used when no file is configured: 72 business hours,
// 9 to 17 UTC.
func DefaultTables() *Tables {
	t := &Tables{}
	t.applyDefaults()
	return t
}

// ParseTables decodes and validates an SLA configuration document.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse SLA configuration: %w", err)
	}
	t.applyDefaults()
	if err := validator.New().Struct(&t); err != nil {
		return nil, fmt.Errorf("invalid SLA configuration: %w", err)
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SLA timezone %q: %w", t.Timezone, err)
	}
	t.location = loc
	return &t, nil
}

func (t *Tables) applyDefaults() {
	if t.BusinessHours == nil {
		t.BusinessHours = &BusinessHours{Start: defaultStartHour, End: defaultEndHour}
	}
	if t.DefaultHours == 0 {
		t.DefaultHours = defaultHours
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
		t.location = time.UTC
	}
}

// Location is the time zone business hours are evaluated in.
func (t *Tables) Location() *time.Location {
	if t.location == nil {
		return time.UTC
	}
	return t.location
}

// hoursFor returns the configured hours for a step, then the alert type, then the global default.
func (t *Tables) hoursFor(workflowStepID, alertTypeID string) int {
	if h, ok := t.Steps[workflowStepID]; ok {
		return h
	}
	if h, ok := t.AlertTypes[alertTypeID]; ok {
		return h
	}
	return t.DefaultHours
}

// TableSource supplies the current SLA configuration.
type TableSource interface {
	Tables() (*Tables, error)
}

type staticSource struct {
	tables *Tables
}

func (s staticSource) Tables() (*Tables, error) {
	return s.tables, nil
}

// Static returns a source that always serves t.
func Static(t *Tables) TableSource {
	return staticSource{tables: t}
}

// FileSource serves the SLA configuration from a YAML file and reloads it when the file changes.
// A failed reload keeps the last good configuration.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	tables *Tables
	err    error
}

// NewFileSource loads path. A load failure is kept and reported by Tables until a reload succeeds.
func NewFileSource(path string) *FileSource {
	s := &FileSource{
		path:   path,
		logger: logging.WithModule("sla_config"),
	}
	if err := s.Reload(); err != nil {
		s.logger.Warn("failed to load SLA configuration", "path", path, "error", err)
	}
	return s
}

// Tables returns the last successfully loaded configuration.
func (s *FileSource) Tables() (*Tables, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tables == nil {
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.New("SLA configuration not loaded")
	}
	return s.tables, nil
}

// Reload re-reads the file.
func (s *FileSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err == nil {
		var t *Tables
		if t, err = ParseTables(data); err == nil {
			s.mu.Lock()
			s.tables, s.err = t, nil
			s.mu.Unlock()
			return nil
		}
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

// Watch reloads the file on change until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are picked up.
func (s *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create SLA configuration watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("SLA configuration reload failed, keeping previous", "path", s.path, "error", err)
					continue
				}
				s.logger.Info("SLA configuration reloaded", "path", s.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("SLA configuration watcher error", "error", err)
			}
		}
	}()
	return nil
}
