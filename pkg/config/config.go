// Package config provides configuration loading and management for the
// mritoolbox commands. It handles loading configuration from YAML files and
// provides default values for every setting.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"mritoolbox/pkg/brainextract"
	"mritoolbox/pkg/interpolation"
	"mritoolbox/pkg/processing"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// DICOM conversion parameters
	Conversion struct {
		// Workers is the number of series converted concurrently
		Workers int `yaml:"workers"`

		// Orientation is the axis code series are reoriented to when
		// reorientation is requested
		Orientation string `yaml:"orientation"`
	} `yaml:"conversion"`

	// Resampling parameters
	Resample struct {
		// Interpolation is "continuous" (trilinear) or "nearest"
		Interpolation string `yaml:"interpolation"`
	} `yaml:"resample"`

	// N4 bias field correction parameters
	Correction processing.CorrectionOptions `yaml:"correction"`

	// Brain extraction parameters
	Brain brainextract.Params `yaml:"brain"`

	// Visualization parameters
	Visualization struct {
		// Addr is the listen address of the 3D render page
		Addr string `yaml:"addr"`

		// MaxPoints bounds the number of voxels drawn in the 3D render
		MaxPoints int `yaml:"maxPoints"`

		// ThresholdPercent hides voxels below this fraction of the maximum
		ThresholdPercent float64 `yaml:"thresholdPercent"`

		// IsoLevelPercent places the STL isosurface as a fraction of the maximum
		IsoLevelPercent float64 `yaml:"isoLevelPercent"`

		// SnapshotDir receives slicer snapshots
		SnapshotDir string `yaml:"snapshotDir"`
	} `yaml:"visualization"`

	// Logging parameters
	Logging struct {
		// Color enables coloured level prefixes
		Color bool `yaml:"color"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Conversion.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Conversion.Orientation = "LAS"

	cfg.Resample.Interpolation = "continuous"

	cfg.Correction = processing.DefaultCorrectionOptions()
	cfg.Brain = brainextract.DefaultParams()

	cfg.Visualization.Addr = "127.0.0.1:8089"
	cfg.Visualization.MaxPoints = 60000
	cfg.Visualization.ThresholdPercent = 0.1
	cfg.Visualization.IsoLevelPercent = 0.25
	cfg.Visualization.SnapshotDir = "."

	cfg.Logging.Color = true

	return cfg
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	if c.Conversion.Workers < 1 {
		return fmt.Errorf("conversion.workers must be at least 1, got %d", c.Conversion.Workers)
	}
	if _, err := interpolation.ParseOrder(c.Resample.Interpolation); err != nil {
		return fmt.Errorf("resample.interpolation: %w", err)
	}
	if err := c.Correction.Validate(); err != nil {
		return fmt.Errorf("correction: %w", err)
	}
	if err := c.Brain.Validate(); err != nil {
		return fmt.Errorf("brain: %w", err)
	}
	if c.Visualization.MaxPoints < 1 {
		return fmt.Errorf("visualization.maxPoints must be positive, got %d", c.Visualization.MaxPoints)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
