package consts

import "time"

// Glucose trend windows, in minutes relative to the newest sample.
const (
	TrendMinMinutes         = 2.5
	TrendLastWindowMinutes  = 7.5
	TrendShortWindowMinutes = 17.5
	TrendLongWindowMinutes  = 42.5

	// Readings at or below 38 mg/dL are CGM error codes, not glucose.
	GlucoseNoiseFloor = 39.0

	DefaultFreshnessBound = 7 * time.Minute
	DefaultBufferCapacity = 288 // one day of 5-minute readings
)

// Command queue defaults
const (
	DefaultCommandTimeout = 2 * time.Minute
	DefaultConnectTimeout = 30 * time.Second
	DefaultDrainDeadline  = 3 * time.Minute
	DefaultDrainPoll      = 100 * time.Millisecond
)

// Loop and guard defaults
const (
	DefaultLoopInterval = 5 * time.Minute
	DefaultDSTWindow    = 3 * time.Hour
	DefaultDSTStep      = 15 * time.Minute
)

// Engine lifecycle states
const (
	StatePending  = "PENDING"
	StateStarting = "STARTING"
	StateRunning  = "RUNNING"
	StateStopping = "STOPPING"
	StateStopped  = "STOPPED"
)

// Environment overrides
const (
	EnvPrefix      = "CLOSEDLOOP_"
	EnvLogLevel    = "CLOSEDLOOP_LOG_LEVEL"
	EnvMetricsPort = "CLOSEDLOOP_METRICS_PORT"
	EnvStorageDSN  = "CLOSEDLOOP_STORAGE_DSN"
	EnvSocketPath  = "CLOSEDLOOP_STATUS_SOCK"

	DefaultSocketPath   = "/tmp/closedloop.sock"
	DefaultRelayTimeout = 5 * time.Second
)

// Personal.AI order the ending
