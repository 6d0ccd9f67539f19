package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileVersion — поддерживаемая версия файла конфигурации.
const FileVersion = 1

// File — необязательный YAML файл (RELAY_CONFIG).
//
//	version: 1
//	resources:
//	  - key: gpu
//	    capacity: 2
//	triggers:
//	  - name: nightly
//	    cron: "0 3 * * *"
//	    plan_id: 2f0c...
//	    inputs: {env: prod}
type File struct {
	Version   int        `yaml:"version"`
	Resources []Resource `yaml:"resources"`
	Triggers  []Trigger  `yaml:"triggers"`
}

// Resource — ёмкость разделяемого ресурса.
type Resource struct {
	Key      string `yaml:"key"`
	Capacity int    `yaml:"capacity"`
}

// Trigger — периодический запуск плана.
type Trigger struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	PlanID   string         `yaml:"plan_id"`
	Inputs   map[string]any `yaml:"inputs"`
	Disabled bool           `yaml:"disabled"`
}

// LoadFile читает и проверяет YAML файл.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(b)
}

// ParseFile разбирает содержимое YAML файла.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if f.Version != FileVersion {
		return nil, fmt.Errorf("unsupported config file version: %d", f.Version)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := make(map[string]bool)
	for _, r := range f.Resources {
		if r.Key == "" {
			return errors.New("resource key is required")
		}
		if r.Capacity <= 0 {
			return fmt.Errorf("resource %s: capacity must be positive", r.Key)
		}
		if seen[r.Key] {
			return fmt.Errorf("resource %s: duplicate key", r.Key)
		}
		seen[r.Key] = true
	}

	names := make(map[string]bool)
	for _, t := range f.Triggers {
		if t.Name == "" {
			return errors.New("trigger name is required")
		}
		if names[t.Name] {
			return fmt.Errorf("trigger %s: duplicate name", t.Name)
		}
		names[t.Name] = true
		if t.Cron == "" {
			return fmt.Errorf("trigger %s: cron is required", t.Name)
		}
		if t.PlanID == "" {
			return fmt.Errorf("trigger %s: plan_id is required", t.Name)
		}
	}
	return nil
}
