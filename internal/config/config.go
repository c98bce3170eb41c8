package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfig wraps every load or validation failure. Startup aborts on it.
var ErrConfig = errors.New("invalid configuration")

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Records  RecordsConfig  `mapstructure:"records"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Filling  FillingConfig  `mapstructure:"filling"`
	Cleaning CleaningConfig `mapstructure:"cleaning"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Buttons  ButtonsConfig  `mapstructure:"buttons"`

	Flavours       map[string]FlavourConfig `mapstructure:"flavours"`
	DefaultFlavour string                   `mapstructure:"default_flavour"`
	Batch          string                   `mapstructure:"batch"`

	// OperatorFile holds the operator overrides (speeds, flavour, batch).
	OperatorFile string `mapstructure:"operator_file"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// ShutdownGrace lets in-flight device transactions finish before the final hardware write.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	JWTSecretEnv      string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	OperatorPINHash   string        `mapstructure:"operator_pin_hash"`
	TechnicianPINHash string        `mapstructure:"technician_pin_hash"`
}

type MQTTConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Broker          string        `mapstructure:"broker"`
	ClientID        string        `mapstructure:"client_id"`
	TopicPrefix     string        `mapstructure:"topic_prefix"`
	QoS             int           `mapstructure:"qos"`
	Retained        bool          `mapstructure:"retained"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

type RecordsConfig struct {
	CSVEnabled bool   `mapstructure:"csv_enabled"`
	CSVDir     string `mapstructure:"csv_dir"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type DevicesConfig struct {
	Pump   PumpConfig   `mapstructure:"pump"`
	Scale  SerialConfig `mapstructure:"scale"`
	Valves ValveConfig  `mapstructure:"valves"`
}

// SerialConfig describes one logical Modbus device on a serial line.
// Interval is the minimum gap between two commands to the device
// (vfd_interval, scale_interval, valve_interval); PollInterval is the
// period of its polling loop.
type SerialConfig struct {
	Port         string        `mapstructure:"port"`
	SlaveID      int           `mapstructure:"slave_id"`
	Framing      string        `mapstructure:"framing"` // rtu | ascii
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	Parity       string        `mapstructure:"parity"`
	StopBits     int           `mapstructure:"stop_bits"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Interval     time.Duration `mapstructure:"interval"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type PumpConfig struct {
	SerialConfig `mapstructure:",squash"`
	RunCommand   uint16 `mapstructure:"vfd_run_command"`
	StopCommand  uint16 `mapstructure:"vfd_stop_command"`
}

type ValveConfig struct {
	SerialConfig `mapstructure:",squash"`
	// WriteMode: "register" writes 0x0080 with both bits, "coils" writes coil 0 and 1.
	WriteMode string `mapstructure:"write_mode"`
}

type FillingConfig struct {
	MouldTolerance     float64       `mapstructure:"mould_tolerance"`
	FillTolerance      float64       `mapstructure:"fill_tolerance"`
	RemovalTolerance   float64       `mapstructure:"removal_tolerance"`
	ConfirmReadings    int           `mapstructure:"confirm_readings"`
	ConfirmRemovals    int           `mapstructure:"confirm_removals"`
	ControllerInterval time.Duration `mapstructure:"controller_interval"`
	ValveStartDelay    time.Duration `mapstructure:"valve_start_delay"`
	PostFillDelay      time.Duration `mapstructure:"post_fill_delay"`
	MouldAdjustDelay   time.Duration `mapstructure:"mould_adjust_delay"`
	// MaxSampleAge skips fill ticks on stale weight; 0 disables the check.
	MaxSampleAge time.Duration `mapstructure:"max_sample_age"`
	FastSpeed    float64       `mapstructure:"fast_speed"`
	SlowSpeed    float64       `mapstructure:"slow_speed"`
	PrimeSpeed   float64       `mapstructure:"prime_speed"`
	StartEnabled bool          `mapstructure:"start_enabled"`
}

type CleaningConfig struct {
	CleanSpeed   float64       `mapstructure:"clean_speed"`
	InitialDelay time.Duration `mapstructure:"clean_initial_delay"`
	Interval     time.Duration `mapstructure:"clean_interval"`
	ToggleDelay  time.Duration `mapstructure:"clean_toggle_delay"`
	StopDelay    time.Duration `mapstructure:"clean_stop_delay"`
	MaxDuration  time.Duration `mapstructure:"clean_max_duration"`
}

type WatchdogConfig struct {
	Interval  time.Duration `mapstructure:"watchdog_interval"`
	Threshold time.Duration `mapstructure:"watchdog_threshold"`
}

type ButtonsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Chip      string        `mapstructure:"chip"`
	LeftLine  int           `mapstructure:"left_line"`
	RightLine int           `mapstructure:"right_line"`
	ActiveLow bool          `mapstructure:"active_low"`
	Debounce  time.Duration `mapstructure:"debounce"`
}

type FlavourConfig struct {
	Name            string  `mapstructure:"name"`
	DesiredVolume   float64 `mapstructure:"desired_volume"`
	MouldTareWeight float64 `mapstructure:"mould_tare_weight"`
}

// Load liest die YAML-Datei, setzt Defaults, validiert gegen das
// eingebettete Schema und wendet die Operator-Overrides an.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables mit Prefix FILLER_ (z.B. FILLER_MQTT_BROKER)
	v.SetEnvPrefix("FILLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read config: %w", ErrConfig, err)
	}

	if err := ValidateSettings(v.AllSettings()); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %w", ErrConfig, err)
	}

	if err := config.check(); err != nil {
		return nil, err
	}

	if config.OperatorFile != "" {
		overrides, err := LoadOperatorSettings(config.OperatorFile)
		if err != nil {
			return nil, err
		}
		config.ApplyOperatorSettings(overrides)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.shutdown_grace", "1s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "filler")
	v.SetDefault("database.user", "filler")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)

	// Auth Defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "FILLER_JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "12h")
	v.SetDefault("auth.operator_pin_hash", "")
	v.SetDefault("auth.technician_pin_hash", "")

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "filling-machine")
	v.SetDefault("mqtt.topic_prefix", "FillingMachine")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retained", false)
	v.SetDefault("mqtt.connect_timeout", "5s")
	v.SetDefault("mqtt.publish_interval", "1s")

	v.SetDefault("records.csv_enabled", true)
	v.SetDefault("records.csv_dir", "records")
	v.SetDefault("records.buffer_size", 32)

	// Pump (VFD): ASCII, 19200 7N1
	v.SetDefault("devices.pump.port", "/dev/ttySC1")
	v.SetDefault("devices.pump.slave_id", 2)
	v.SetDefault("devices.pump.framing", "ascii")
	v.SetDefault("devices.pump.baud_rate", 19200)
	v.SetDefault("devices.pump.data_bits", 7)
	v.SetDefault("devices.pump.parity", "N")
	v.SetDefault("devices.pump.stop_bits", 1)
	v.SetDefault("devices.pump.timeout", "200ms")
	v.SetDefault("devices.pump.interval", "50ms")
	v.SetDefault("devices.pump.poll_interval", "100ms")
	v.SetDefault("devices.pump.vfd_run_command", 6)
	v.SetDefault("devices.pump.vfd_stop_command", 0)

	// Load cell: RTU, 9600 8N1
	v.SetDefault("devices.scale.port", "/dev/ttySC0")
	v.SetDefault("devices.scale.slave_id", 1)
	v.SetDefault("devices.scale.framing", "rtu")
	v.SetDefault("devices.scale.baud_rate", 9600)
	v.SetDefault("devices.scale.data_bits", 8)
	v.SetDefault("devices.scale.parity", "N")
	v.SetDefault("devices.scale.stop_bits", 1)
	v.SetDefault("devices.scale.timeout", "200ms")
	v.SetDefault("devices.scale.interval", "0s")
	v.SetDefault("devices.scale.poll_interval", "100ms")

	v.SetDefault("devices.valves.port", "/dev/ttySC0")
	v.SetDefault("devices.valves.slave_id", 3)
	v.SetDefault("devices.valves.framing", "rtu")
	v.SetDefault("devices.valves.baud_rate", 9600)
	v.SetDefault("devices.valves.data_bits", 8)
	v.SetDefault("devices.valves.parity", "N")
	v.SetDefault("devices.valves.stop_bits", 1)
	v.SetDefault("devices.valves.timeout", "400ms")
	v.SetDefault("devices.valves.interval", "0s")
	v.SetDefault("devices.valves.poll_interval", "100ms")
	v.SetDefault("devices.valves.write_mode", "register")

	v.SetDefault("filling.mould_tolerance", 0.1)
	v.SetDefault("filling.fill_tolerance", 0.15)
	v.SetDefault("filling.removal_tolerance", 0.02)
	v.SetDefault("filling.confirm_readings", 3)
	v.SetDefault("filling.confirm_removals", 3)
	v.SetDefault("filling.controller_interval", "100ms")
	v.SetDefault("filling.valve_start_delay", "100ms")
	v.SetDefault("filling.post_fill_delay", "1s")
	v.SetDefault("filling.mould_adjust_delay", "2s")
	v.SetDefault("filling.max_sample_age", "0s")
	v.SetDefault("filling.fast_speed", 35.0)
	v.SetDefault("filling.slow_speed", 8.0)
	v.SetDefault("filling.prime_speed", 50.0)
	v.SetDefault("filling.start_enabled", false)

	v.SetDefault("cleaning.clean_speed", 50.0)
	v.SetDefault("cleaning.clean_initial_delay", "1s")
	v.SetDefault("cleaning.clean_interval", "10s")
	v.SetDefault("cleaning.clean_toggle_delay", "300ms")
	v.SetDefault("cleaning.clean_stop_delay", "2s")
	v.SetDefault("cleaning.clean_max_duration", "5m")

	v.SetDefault("watchdog.watchdog_interval", "1s")
	v.SetDefault("watchdog.watchdog_threshold", "5s")

	v.SetDefault("buttons.enabled", false)
	v.SetDefault("buttons.chip", "gpiochip0")
	v.SetDefault("buttons.left_line", 17)
	v.SetDefault("buttons.right_line", 27)
	v.SetDefault("buttons.active_low", true)
	v.SetDefault("buttons.debounce", "20ms")

	v.SetDefault("default_flavour", "food_service")
	v.SetDefault("batch", "")
	v.SetDefault("operator_file", "")
}

// check covers the cross-field rules the schema cannot express.
func (c *Config) check() error {
	if len(c.Flavours) == 0 {
		return fmt.Errorf("%w: no flavours configured", ErrConfig)
	}
	if _, ok := c.Flavours[c.DefaultFlavour]; !ok {
		return fmt.Errorf("%w: default_flavour %q not in flavours", ErrConfig, c.DefaultFlavour)
	}
	for _, dev := range []SerialConfig{c.Devices.Scale, c.Devices.Valves.SerialConfig} {
		if dev.Port == c.Devices.Pump.Port && !dev.sameLine(c.Devices.Pump.SerialConfig) {
			return fmt.Errorf("%w: devices on %s disagree on line settings", ErrConfig, dev.Port)
		}
	}
	if c.Devices.Scale.Port == c.Devices.Valves.Port && !c.Devices.Scale.sameLine(c.Devices.Valves.SerialConfig) {
		return fmt.Errorf("%w: devices on %s disagree on line settings", ErrConfig, c.Devices.Scale.Port)
	}
	return nil
}

// sameLine reports whether two devices can share one serial port.
func (s SerialConfig) sameLine(o SerialConfig) bool {
	return strings.EqualFold(s.Framing, o.Framing) &&
		s.BaudRate == o.BaudRate &&
		s.DataBits == o.DataBits &&
		strings.EqualFold(s.Parity, o.Parity) &&
		s.StopBits == o.StopBits
}

// Flavour returns the flavour entry with its display name filled in.
func (c *Config) Flavour(id string) (FlavourConfig, bool) {
	f, ok := c.Flavours[id]
	if !ok {
		return FlavourConfig{}, false
	}
	if f.Name == "" {
		f.Name = id
	}
	return f, true
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "FILLER_JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

// IsProductionReady reports whether a real JWT secret is configured.
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
