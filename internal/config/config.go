// Package config loads and validates the simulator configuration file.
// Defaults produce a runnable simulator with the built-in topology, so a
// missing file is not an error; environment variables override the logging
// block for container deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration accepts YAML strings in time.ParseDuration form ("250ms", "1s")
// as well as plain integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asInt int64
	if err := node.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asString string
	if err := node.Decode(&asString); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level simulator configuration.
type Config struct {
	// Topology is the path to a topology file. Empty selects the built-in
	// reference network.
	Topology  string          `yaml:"topology"`
	Tick      TickConfig      `yaml:"tick"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sensors   SensorConfig    `yaml:"sensors"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Feed      FeedConfig      `yaml:"feed"`
	Log       LogConfig       `yaml:"log"`
}

type TickConfig struct {
	// Period is the fixed simulation interval of one tick.
	Period Duration `yaml:"period" validate:"gt=0"`
	// Mode selects wall-clock pacing: "realtime" paces ticks on a wall
	// ticker, "accelerated" runs them back to back.
	Mode string `yaml:"mode" validate:"oneof=realtime accelerated"`
}

type SchedulerConfig struct {
	SensorEvery       int `yaml:"sensor_every" validate:"gte=1"`
	OverrunFaultAfter int `yaml:"overrun_fault_after" validate:"gte=1"`
}

type SensorConfig struct {
	// Seed fixes the measurement noise sequence. Zero seeds from the
	// clock at startup.
	Seed int64 `yaml:"seed"`
}

type MetricsConfig struct {
	// Listen is the /metrics HTTP address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

type FeedConfig struct {
	// Listen is the mangos PUB address. Empty disables the feed.
	Listen   string   `yaml:"listen"`
	Interval Duration `yaml:"interval" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration of the stock simulator.
func Default() Config {
	return Config{
		Tick: TickConfig{
			Period: Duration(time.Second),
			Mode:   "realtime",
		},
		Scheduler: SchedulerConfig{
			SensorEvery:       1,
			OverrunFaultAfter: 3,
		},
		Sensors: SensorConfig{Seed: 1},
		Metrics: MetricsConfig{Listen: ":9090"},
		Feed: FeedConfig{
			Listen:   "tcp://127.0.0.1:9871",
			Interval: Duration(time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New()

// Load reads a config file over the defaults. An empty path returns the
// defaults unchanged; a named file must exist and validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			return Config{}, fmt.Errorf("config %s: %w", path, verr)
		}
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deployments override logging without editing the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
