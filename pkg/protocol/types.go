package protocol

// Config represents the root configuration of the controller daemon
type Config struct {
	Version       string              `yaml:"version"`
	Controller    ControllerConfig    `yaml:"controller"`
	Pump          PumpConfig          `yaml:"pump"`
	Queue         QueueConfig         `yaml:"queue"`
	Storage       StorageConfig       `yaml:"storage"`
	Limits        LimitsConfig        `yaml:"limits"`
	DST           DSTConfig           `yaml:"dst"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Relay         RelayConfig         `yaml:"relay"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ControllerConfig struct {
	LoopInterval   string  `yaml:"loop_interval"`   // e.g. "5m"
	FreshnessBound string  `yaml:"freshness_bound"` // newest sample must be younger than this
	NoiseFloor     float64 `yaml:"noise_floor"`     // mg/dL
}

type PumpConfig struct {
	Driver      string  `yaml:"driver"` // "virtual"
	ProfileName string  `yaml:"profile_name"`
	BaseBasal   float64 `yaml:"base_basal"` // U/h
	HandlesDST  bool    `yaml:"handles_dst"`
}

type QueueConfig struct {
	CommandTimeout string `yaml:"command_timeout"`
	ConnectTimeout string `yaml:"connect_timeout"`
	DrainDeadline  string `yaml:"drain_deadline"`
	DrainPoll      string `yaml:"drain_poll"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	DSN    string `yaml:"dsn"`
}

type LimitsConfig struct {
	MaxBasal float64 `yaml:"max_basal"` // U/h
	MaxSMB   float64 `yaml:"max_smb"`   // U
}

type DSTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Window   string `yaml:"window"`
	Timezone string `yaml:"timezone"`
}

type NotificationsConfig struct {
	Enabled bool   `yaml:"enabled"`
	AppName string `yaml:"app_name"`
}

type RelayConfig struct {
	SocketPath string `yaml:"socket_path"`
	Timeout    string `yaml:"timeout"`
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

// Personal.AI order the ending
