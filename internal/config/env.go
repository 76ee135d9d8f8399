// env.go overlays environment variables (optionally loaded from a .env file)
// on top of the YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvOverrides lists the variables honoured on top of config.yaml.
// Zero values leave the file value untouched.
type EnvOverrides struct {
	Nodes     int    `envconfig:"NB_NODES"`
	Workers   int    `envconfig:"OTDRIVE_WORKERS"`
	Simulator string `envconfig:"OTDRIVE_SIMULATOR"`
	LogLevel  string `envconfig:"OTDRIVE_LOG_LEVEL"`
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; existing variables are not overwritten.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv reads EnvOverrides from the environment and applies them to cfg.
func ApplyEnv(cfg *Config) error {
	var env EnvOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("processing environment configuration: %w", err)
	}

	if env.Nodes > 0 {
		cfg.FanOut.Nodes = env.Nodes
	}
	if env.Workers > 0 {
		cfg.FanOut.Workers = env.Workers
	}
	if env.Simulator != "" {
		cfg.Simulator.Command = env.Simulator
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	return nil
}
