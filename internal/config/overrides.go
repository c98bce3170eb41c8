package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OperatorSettings are the values an operator may change at runtime.
// Zero values mean "keep the configured value".
type OperatorSettings struct {
	FastSpeed  float64 `yaml:"fast_speed,omitempty"`
	SlowSpeed  float64 `yaml:"slow_speed,omitempty"`
	CleanSpeed float64 `yaml:"clean_speed,omitempty"`
	Flavour    string  `yaml:"flavour,omitempty"`
	Batch      string  `yaml:"batch,omitempty"`
}

// LoadOperatorSettings reads the overrides file. A missing file is not an error.
func LoadOperatorSettings(path string) (OperatorSettings, error) {
	var s OperatorSettings

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("%w: failed to read operator settings: %w", ErrConfig, err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: failed to parse operator settings: %w", ErrConfig, err)
	}
	return s, nil
}

// SaveOperatorSettings schreibt die Datei atomar (temp + rename).
func SaveOperatorSettings(path string, s OperatorSettings) error {
	data, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("failed to encode operator settings: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".operator-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write operator settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write operator settings: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace operator settings: %w", err)
	}
	return nil
}

// ApplyOperatorSettings overlays s onto the loaded configuration.
// An unknown flavour is ignored so a stale file cannot block startup.
func (c *Config) ApplyOperatorSettings(s OperatorSettings) {
	if s.FastSpeed > 0 {
		c.Filling.FastSpeed = s.FastSpeed
	}
	if s.SlowSpeed > 0 {
		c.Filling.SlowSpeed = s.SlowSpeed
	}
	if s.CleanSpeed > 0 {
		c.Cleaning.CleanSpeed = s.CleanSpeed
	}
	if _, ok := c.Flavours[s.Flavour]; ok {
		c.DefaultFlavour = s.Flavour
	}
	if s.Batch != "" {
		c.Batch = s.Batch
	}
}
