// Package cfg loads platform configuration from a YAML file with
// environment variable overrides. CONFIG_FILE selects the file; with
// no file everything comes from the environment and defaults.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/distill"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/segment"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/trainer"
)

type Settings struct {
	ListenPort  int
	DataPath    string
	DatasetPath string

	Trainer trainer.Config
	Drift   drift.Config
	Distill distill.Config

	ShapleySamples int
	RESTTimeout    time.Duration
}

type ConfigFile struct {
	Server struct {
		ListenPort  int    `yaml:"listenPort"`
		RESTTimeout string `yaml:"restTimeout"`
	} `yaml:"server"`

	Data struct {
		Path    string `yaml:"path"`
		Dataset string `yaml:"dataset"`
	} `yaml:"data"`

	Training trainer.Config `yaml:"training"`
	Drift    drift.Config   `yaml:"drift"`
	Distill  distill.Config `yaml:"distill"`

	Explain struct {
		ShapleySamples int `yaml:"shapleySamples"`
	} `yaml:"explain"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	restTimeout, err := time.ParseDuration(config.Server.RESTTimeout)
	if err != nil {
		restTimeout = 5 * time.Second
	}

	settings := Settings{
		ListenPort:     getIntFromEnvOrConfig("LISTEN_PORT", config.Server.ListenPort),
		DataPath:       getEnvOrDefault("DATA_PATH", config.Data.Path),
		DatasetPath:    getEnvOrDefault("DATASET_PATH", config.Data.Dataset),
		Trainer:        config.Training,
		Drift:          config.Drift,
		Distill:        config.Distill,
		ShapleySamples: config.Explain.ShapleySamples,
		RESTTimeout:    restTimeout,
	}
	applyEnvOverrides(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ListenPort:  getIntOrDefault("LISTEN_PORT", 8090),
		DataPath:    getEnvOrDefault("DATA_PATH", "data"),
		DatasetPath: os.Getenv("DATASET_PATH"), // optional, training only
		Trainer: trainer.Config{
			Segments: segment.Config{
				Segments: getIntOrDefault("SEGMENTS", 4),
			},
			MinSegmentRows: getIntOrDefault("MIN_SEGMENT_ROWS", 30),
			MinR2:          getFloatOrDefault("MIN_R2", 0.2),
			MinAccuracy:    getFloatOrDefault("MIN_ACCURACY", 0.5),
			AuxWeight:      getFloatOrDefault("AUX_WEIGHT", 0.2),
			Parallelism:    getIntOrDefault("TRAIN_PARALLELISM", 4),
			Seed:           int64(getIntOrDefault("TRAIN_SEED", 1)),
		},
		Drift: drift.Config{
			WindowSize: getIntOrDefault("DRIFT_WINDOW", 500),
			MinSamples: getIntOrDefault("DRIFT_MIN_SAMPLES", 30),
		},
		Distill: distill.Config{
			Temperature: getFloatOrDefault("DISTILL_TEMPERATURE", 2),
			Alpha:       getFloatOrDefault("DISTILL_ALPHA", 0.7),
			Epsilon:     getFloatOrDefault("DISTILL_EPSILON", 0.02),
			Holdout:     getFloatOrDefault("DISTILL_HOLDOUT", 0.25),
			SizeClass:   getEnvOrDefault("DISTILL_SIZE_CLASS", distill.SizeSmall),
		},
		ShapleySamples: getIntOrDefault("SHAPLEY_SAMPLES", 100),
		RESTTimeout:    getDurationOrDefault("REST_TIMEOUT", 5*time.Second),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// applyEnvOverrides lets the environment win over the YAML file for the
// handful of values that differ per deployment.
func applyEnvOverrides(s *Settings) {
	s.ListenPort = getIntOrDefault("LISTEN_PORT", s.ListenPort)
	s.DataPath = getEnvOrDefault("DATA_PATH", s.DataPath)
	s.DatasetPath = getEnvOrDefault("DATASET_PATH", s.DatasetPath)
	s.Trainer.Seed = int64(getIntOrDefault("TRAIN_SEED", int(s.Trainer.Seed)))
	s.Trainer.Parallelism = getIntOrDefault("TRAIN_PARALLELISM", s.Trainer.Parallelism)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings performs validation of configuration values.
func validateSettings(settings *Settings) error {
	if settings.ListenPort != 0 && (settings.ListenPort < 1024 || settings.ListenPort > 65535) {
		return fmt.Errorf("listen port must be between 1024 and 65535, got %d", settings.ListenPort)
	}
	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}
	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}

	t := settings.Trainer
	if t.Segments.Segments != 0 && (t.Segments.Segments < 2 || t.Segments.Segments > 64) {
		return fmt.Errorf("segment count must be between 2 and 64, got %d", t.Segments.Segments)
	}
	if t.MinR2 < 0 || t.MinR2 >= 1 {
		return fmt.Errorf("minimum R2 must be in [0,1), got %f", t.MinR2)
	}
	if t.MinAccuracy < 0 || t.MinAccuracy >= 1 {
		return fmt.Errorf("minimum accuracy must be in [0,1), got %f", t.MinAccuracy)
	}
	if t.AuxWeight < 0 || t.AuxWeight > 1 {
		return fmt.Errorf("aux weight must be in [0,1], got %f", t.AuxWeight)
	}

	d := settings.Distill
	if d.Temperature < 0 {
		return fmt.Errorf("distillation temperature cannot be negative, got %f", d.Temperature)
	}
	if d.Alpha < 0 || d.Alpha > 1 {
		return fmt.Errorf("distillation alpha must be in [0,1], got %f", d.Alpha)
	}
	if d.Epsilon < 0 || d.Epsilon > 0.5 {
		return fmt.Errorf("distillation epsilon must be in [0,0.5], got %f", d.Epsilon)
	}
	if d.Holdout < 0 || d.Holdout > 0.5 {
		return fmt.Errorf("distillation holdout must be in [0,0.5], got %f", d.Holdout)
	}
	if d.SizeClass != "" && d.SizeClass != distill.SizeSmall && d.SizeClass != distill.SizeMedium {
		return fmt.Errorf("unknown distillation size class %q", d.SizeClass)
	}

	if settings.ShapleySamples < 0 || settings.ShapleySamples > 10000 {
		return fmt.Errorf("shapley samples must be between 0 and 10000, got %d", settings.ShapleySamples)
	}
	return nil
}
