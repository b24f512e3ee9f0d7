package protocol

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
)

// Default returns a configuration usable without a config file: virtual pump,
// in-memory storage, no notifications.
func Default() Config {
	return Config{
		Version: "1",
		Controller: ControllerConfig{
			LoopInterval:   consts.DefaultLoopInterval.String(),
			FreshnessBound: consts.DefaultFreshnessBound.String(),
			NoiseFloor:     consts.GlucoseNoiseFloor,
		},
		Pump: PumpConfig{Driver: "virtual", ProfileName: "default", BaseBasal: 1.0},
		Queue: QueueConfig{
			CommandTimeout: consts.DefaultCommandTimeout.String(),
			ConnectTimeout: consts.DefaultConnectTimeout.String(),
			DrainDeadline:  consts.DefaultDrainDeadline.String(),
			DrainPoll:      consts.DefaultDrainPoll.String(),
		},
		Storage: StorageConfig{Driver: "memory"},
		Limits:  LimitsConfig{MaxBasal: 4.0, MaxSMB: 1.0},
		DST:     DSTConfig{Enabled: true, Window: consts.DefaultDSTWindow.String(), Timezone: "Local"},
		Relay:   RelayConfig{SocketPath: consts.DefaultSocketPath, Timeout: consts.DefaultRelayTimeout.String()},
		Observability: ObservabilityConfig{
			MetricsPort: ":9090",
			LogLevel:    "info",
		},
	}
}

// Load reads a YAML file over Default(), then applies the environment
// (a .env file in the working directory is honoured when present).
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.New(errors.ErrCodeConfigInvalid, "Load", "reading config", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.New(errors.ErrCodeConfigInvalid, "Load", "parsing config", err)
	}

	_ = godotenv.Load()
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from CLOSEDLOOP_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(consts.EnvLogLevel); v != "" {
		c.Observability.LogLevel = v
	}
	if v := os.Getenv(consts.EnvMetricsPort); v != "" {
		c.Observability.MetricsPort = v
	}
	if v := os.Getenv(consts.EnvStorageDSN); v != "" {
		c.Storage.Driver = "sqlite"
		c.Storage.DSN = v
	}
	if v := os.Getenv(consts.EnvSocketPath); v != "" {
		c.Relay.SocketPath = v
	}
	if v := os.Getenv(consts.EnvPrefix + "BASE_BASAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pump.BaseBasal = f
		}
	}
}

// Validate checks that the configuration can drive a controller.
func (c Config) Validate() error {
	if c.Pump.BaseBasal <= 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", "pump.base_basal must be positive", nil)
	}
	if c.Limits.MaxBasal < c.Pump.BaseBasal {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", "limits.max_basal must not be below pump.base_basal", nil)
	}
	if c.Limits.MaxSMB < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", "limits.max_smb must not be negative", nil)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.DSN == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "Validate", "storage.dsn is required for sqlite", nil)
		}
	default:
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", fmt.Sprintf("unknown storage driver %q", c.Storage.Driver), nil)
	}
	for name, v := range map[string]string{
		"controller.loop_interval":   c.Controller.LoopInterval,
		"controller.freshness_bound": c.Controller.FreshnessBound,
		"queue.command_timeout":      c.Queue.CommandTimeout,
		"queue.connect_timeout":      c.Queue.ConnectTimeout,
		"queue.drain_deadline":       c.Queue.DrainDeadline,
		"queue.drain_poll":           c.Queue.DrainPoll,
		"dst.window":                 c.DST.Window,
		"relay.timeout":              c.Relay.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return errors.New(errors.ErrCodeConfigInvalid, "Validate", name+" is not a duration", err)
		}
	}
	return nil
}

// Duration parses s, returning def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Personal.AI order the ending
