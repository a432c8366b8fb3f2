// Package config provides configuration loading and management for the
// reconstruction engine. It handles loading configuration from YAML files
// and provides default values matching the reference reconstruction
// parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reconstruction hyperparameters
	Reconstruction struct {
		// Resolution is the isotropic target voxel size in mm
		Resolution float64 `yaml:"resolution"`

		// Iterations is the number of outer motion-correction iterations
		Iterations int `yaml:"iterations"`

		// RecIterations is the number of super-resolution updates per
		// outer iteration
		RecIterations int `yaml:"recIterations"`

		// Lambda is the regularization strength
		Lambda float64 `yaml:"lambda"`

		// Delta is the edge-preservation scale of the adaptive prior
		Delta float64 `yaml:"delta"`

		// Alpha is the super-resolution step size; zero selects the
		// standard (0.05/lambda)*delta^2
		Alpha float64 `yaml:"alpha"`

		// SigmaBias is the bias-field smoothing sigma in mm
		SigmaBias float64 `yaml:"sigmaBias"`

		// LowIntensityCutoff is the fraction of the maximum intensity
		// below which voxels are ignored by bias estimation
		LowIntensityCutoff float64 `yaml:"lowIntensityCutoff"`

		// Adaptive enables confidence-weighted (adaptive) regularization
		Adaptive bool `yaml:"adaptive"`

		// GlobalBiasCorrection enables the per-iteration volumetric bias
		// removal step
		GlobalBiasCorrection bool `yaml:"globalBiasCorrection"`

		// IntensityMatching selects per-stack intensity matching before
		// template creation
		IntensityMatching bool `yaml:"intensityMatching"`
	} `yaml:"reconstruction"`

	// Registration parameters
	Registration struct {
		// FFD selects free-form instead of rigid slice motion
		FFD bool `yaml:"ffd"`

		// NCCThreshold gates slices by the structural similarity of
		// their registration
		NCCThreshold float64 `yaml:"nccThreshold"`

		// NMIBins is the number of histogram bins for the external
		// registration filter; -1 keeps the filter default
		NMIBins int `yaml:"nmiBins"`

		// Structural enables the NCC-based structural exclusion pass
		Structural bool `yaml:"structural"`

		// RemoteDir is the exchange directory for remote slice-to-volume
		// registration; empty runs registrations in process
		RemoteDir string `yaml:"remoteDir"`
	} `yaml:"registration"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel
		// processing
		NumCores int `yaml:"numCores"`

		// DeterministicSum forces serial coefficient accumulation so two
		// runs produce bitwise-identical volumes
		DeterministicSum bool `yaml:"deterministicSum"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// Debug additionally writes per-iteration artifacts (bias,
		// weights, simulated slices, confidence map previews)
		Debug bool `yaml:"debug"`

		// ArtifactDir is the directory for debug artifacts
		ArtifactDir string `yaml:"artifactDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Reconstruction defaults follow the reference implementation
	cfg.Reconstruction.Resolution = 0.75
	cfg.Reconstruction.Iterations = 3
	cfg.Reconstruction.RecIterations = 7
	cfg.Reconstruction.Lambda = 0.1
	cfg.Reconstruction.Delta = 1
	cfg.Reconstruction.Alpha = 0
	cfg.Reconstruction.SigmaBias = 12
	cfg.Reconstruction.LowIntensityCutoff = 0.01
	cfg.Reconstruction.Adaptive = false
	cfg.Reconstruction.GlobalBiasCorrection = false
	cfg.Reconstruction.IntensityMatching = true

	cfg.Registration.FFD = false
	cfg.Registration.NCCThreshold = 0.65
	cfg.Registration.NMIBins = -1
	cfg.Registration.Structural = false
	cfg.Registration.RemoteDir = ""

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.DeterministicSum = true

	cfg.Output.Verbose = true
	cfg.Output.Debug = false
	cfg.Output.ArtifactDir = "artifacts"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
