// Package config handles reading and writing .otdrive/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otdrive/otdrive/internal/retry"
)

// Config is the top-level structure for .otdrive/config.yaml.
type Config struct {
	Version    int              `yaml:"version"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
	Session    SessionConfig    `yaml:"session"`
	FanOut     FanOutConfig     `yaml:"fanout"`
	Stability  StabilityConfig  `yaml:"stability"`
	Topology   TopologyConfig   `yaml:"topology"`
	Commission CommissionConfig `yaml:"commission"`
	Scenario   ScenarioConfig   `yaml:"scenario"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
}

// SimulatorConfig describes how the simulator process is spawned and addressed.
type SimulatorConfig struct {
	Command     string `yaml:"command"`      // e.g. "otns -log debug"
	Prompt      string `yaml:"prompt"`       // prompt token, ">" for OTNS and ot-cli
	NodeCommand string `yaml:"node_command"` // node-scoped command template, e.g. `node %d "%s"`
	StderrFile  string `yaml:"stderr_file"`  // relative to .otdrive/
}

// SessionConfig controls the send/await-prompt cycle.
type SessionConfig struct {
	TimeoutMs        int      `yaml:"timeout_ms"`
	MaxRetries       int      `yaml:"max_retries"`
	BackoffMs        int      `yaml:"backoff_ms"`
	ProbeTimeoutMs   int      `yaml:"probe_timeout_ms"`
	CreationPrefixes []string `yaml:"creation_prefixes"`
	NodeIDMarker     string   `yaml:"node_id_marker"`
	MaxExhausted     int      `yaml:"max_exhausted"` // consecutive retry exhaustions before the session closes
}

// FanOutConfig controls concurrent per-node queries.
type FanOutConfig struct {
	Workers          int    `yaml:"workers"`
	EndpointTemplate string `yaml:"endpoint_template"` // e.g. "docker attach %s"
	NodePrefix       string `yaml:"node_prefix"`       // e.g. "ot-node"
	Nodes            int    `yaml:"nodes"`
	AddressPrefix    string `yaml:"address_prefix"`  // prefer addresses starting with this
	AddressExclude   string `yaml:"address_exclude"` // skip addresses containing this
}

// StabilityConfig controls simulated-time acceleration.
type StabilityConfig struct {
	Speedup   float64 `yaml:"speedup"`
	DurationS int     `yaml:"duration_s"` // simulated seconds
}

// TopologyConfig holds layout constants.
type TopologyConfig struct {
	Radius   float64 `yaml:"radius"`
	FEDTotal int     `yaml:"fed_total"`
	Spacing  int     `yaml:"spacing"`
	StartX   int     `yaml:"start_x"`
	RowY     int     `yaml:"row_y"`
	Margin   int     `yaml:"margin"`
}

// CommissionConfig controls the leader/joiner commissioning flow.
type CommissionConfig struct {
	Leader           string `yaml:"leader"`
	JoinerTimeoutS   int    `yaml:"joiner_timeout_s"` // passed to "commissioner joiner add"
	NoBufsRetries    int    `yaml:"nobufs_retries"`
	NoBufsBackoffMs  int    `yaml:"nobufs_backoff_ms"`
	JoinAttempts     int    `yaml:"join_attempts"` // "joiner start THREAD" sends
	JoinRetryMs      int    `yaml:"join_retry_ms"`
	JoinProbes       int    `yaml:"join_probes"` // empty-line probes per attempt
	StateChecks      int    `yaml:"state_checks"`
	StateIntervalMs  int    `yaml:"state_interval_ms"`
	SettleMs         int    `yaml:"settle_ms"`
	BreakerThreshold int    `yaml:"breaker_threshold"`
}

// ScenarioConfig drives the incremental ping scenario.
type ScenarioConfig struct {
	Routers       int     `yaml:"routers"`
	BaseY         int     `yaml:"base_y"`
	PingCount     int     `yaml:"ping_count"`
	PingIntervalS float64 `yaml:"ping_interval_s"` // simulated seconds advanced after each ping
	SettleS       int     `yaml:"settle_s"`
	SettleSpeed   float64 `yaml:"settle_speed"`
	Repetitions   int     `yaml:"repetitions"`
}

// LogConfig controls operator diagnostics.
type LogConfig struct {
	Level    string `yaml:"level"`  // debug|info|warn|error
	Format   string `yaml:"format"` // console|json
	Output   string `yaml:"output"` // stderr|stdout|file
	FilePath string `yaml:"file_path"`
}

// StoreConfig locates the run database.
type StoreConfig struct {
	Path       string `yaml:"path"`         // relative to the project root
	MaxAgeDays int    `yaml:"max_age_days"` // "otdrive clean" drops older runs
}

const (
	configDir  = ".otdrive"
	configFile = "config.yaml"
)

// Dir returns the state directory inside the project root.
func Dir(root string) string {
	return filepath.Join(root, configDir)
}

// ReadConfig reads .otdrive/config.yaml from the given project directory.
// dir is the project root (not .otdrive/ itself).
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads the config if present and falls back to defaults when
// the file does not exist. Malformed files are still an error.
func LoadOrDefault(dir string) (*Config, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg to .otdrive/config.yaml in the given project directory.
// Creates the .otdrive/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Simulator: SimulatorConfig{
			Command:     "otns -log debug",
			Prompt:      ">",
			NodeCommand: `node %d "%s"`,
			StderrFile:  "simulator.log",
		},
		Session: SessionConfig{
			TimeoutMs:        10000,
			MaxRetries:       2,
			BackoffMs:        0,
			ProbeTimeoutMs:   1000,
			CreationPrefixes: []string{"add "},
			NodeIDMarker:     "nodeid=",
			MaxExhausted:     2,
		},
		FanOut: FanOutConfig{
			Workers:          10,
			EndpointTemplate: "docker attach %s",
			NodePrefix:       "ot-node",
			Nodes:            5,
			AddressExclude:   "ff:fe00",
		},
		Stability: StabilityConfig{
			Speedup:   32,
			DurationS: 60,
		},
		Topology: TopologyConfig{
			Radius:   150,
			FEDTotal: 6,
			Spacing:  150,
			StartX:   500,
			RowY:     250,
			Margin:   700,
		},
		Commission: CommissionConfig{
			Leader:           "ot-node1",
			JoinerTimeoutS:   60,
			NoBufsRetries:    3,
			NoBufsBackoffMs:  3000,
			JoinAttempts:     3,
			JoinRetryMs:      3000,
			JoinProbes:       10,
			StateChecks:      5,
			StateIntervalMs:  2000,
			SettleMs:         5000,
			BreakerThreshold: 3,
		},
		Scenario: ScenarioConfig{
			Routers:       16,
			BaseY:         400,
			PingCount:     10,
			PingIntervalS: 1,
			SettleS:       40,
			SettleSpeed:   1000,
			Repetitions:   1,
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "console",
			Output:   "stderr",
			FilePath: ".otdrive/otdrive.log",
		},
		Store: StoreConfig{
			Path:       ".otdrive/runs.db",
			MaxAgeDays: 30,
		},
	}
}

// Timeout returns the per-command prompt timeout.
func (s SessionConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ProbeTimeout returns the short timeout used by the creation probe.
func (s SessionConfig) ProbeTimeout() time.Duration {
	if s.ProbeTimeoutMs <= 0 {
		return time.Second
	}
	return time.Duration(s.ProbeTimeoutMs) * time.Millisecond
}

// Backoff returns the delay between retries.
func (s SessionConfig) Backoff() time.Duration {
	return time.Duration(s.BackoffMs) * time.Millisecond
}

// Duration returns the simulated time a stability wait should cover.
func (s StabilityConfig) Duration() time.Duration {
	return time.Duration(s.DurationS) * time.Second
}

// Settle returns the simulated time each scenario step converges for.
func (s ScenarioConfig) Settle() time.Duration {
	return time.Duration(s.SettleS) * time.Second
}

// NodeNames expands the node prefix into container names, e.g. ot-node1..ot-nodeN.
func (f FanOutConfig) NodeNames() []string {
	names := make([]string, 0, f.Nodes)
	for i := 1; i <= f.Nodes; i++ {
		names = append(names, fmt.Sprintf("%s%d", f.NodePrefix, i))
	}
	return names
}

// NoBufsPolicy bounds how often a NoBufs reply is retried, both for joiner
// registration and for fan-out queries.
func (c CommissionConfig) NoBufsPolicy() retry.Policy {
	attempts := c.NoBufsRetries
	if attempts <= 0 {
		attempts = 1
	}
	return retry.Policy{
		MaxRetries: attempts - 1,
		Backoff:    time.Duration(c.NoBufsBackoffMs) * time.Millisecond,
	}
}
