package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment string          `mapstructure:"environment" validate:"required"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Relay       RelayConfig     `mapstructure:"relay"`
	Redis       RedisConfig     `mapstructure:"redis"`
	NATS        NATSConfig      `mapstructure:"nats"`
	Simulator   SimulatorConfig `mapstructure:"simulator"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// RelayConfig holds the broadcast relay settings
type RelayConfig struct {
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	Routing           string        `mapstructure:"routing" validate:"oneof=global topic"`
	SendBuffer        int           `mapstructure:"send_buffer" validate:"min=1"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	IngestChannel     string        `mapstructure:"ingest_channel" validate:"required"`
	PresenceChannel   string        `mapstructure:"presence_channel" validate:"required"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

// NATSConfig holds NATS configuration. When enabled it carries the ingest
// and presence channels instead of Redis.
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url" validate:"required_if=Enabled true"`
	Name          string        `mapstructure:"name"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" validate:"gte=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// SimulatorConfig holds virtual device settings
type SimulatorConfig struct {
	ServerURL       string  `mapstructure:"server_url" validate:"required,url"`
	Endpoint        string  `mapstructure:"endpoint" validate:"required,startswith=/"`
	IntervalMS      int     `mapstructure:"interval_ms" validate:"min=100"`
	DeviceCount     int     `mapstructure:"device_count" validate:"min=1"`
	DevicesPerPlant int     `mapstructure:"devices_per_plant" validate:"min=1"`
	MultiPlant      bool    `mapstructure:"multi_plant"`
	Sink            string  `mapstructure:"sink" validate:"oneof=http broker"`
	EnableFaults    bool    `mapstructure:"enable_faults"`
	FaultRate       float64 `mapstructure:"fault_rate" validate:"gte=0,lte=1"`
	MaxSolarPower   float64 `mapstructure:"max_solar_power" validate:"gt=0"`
	SunriseHour     float64 `mapstructure:"sunrise_hour" validate:"gte=0,lt=24"`
	SunsetHour      float64 `mapstructure:"sunset_hour" validate:"gtfield=SunriseHour,lte=24"`
	PeakHour        float64 `mapstructure:"peak_hour" validate:"gtfield=SunriseHour,ltfield=SunsetHour"`
	Debug           bool    `mapstructure:"debug"`
}

// Interval returns the per-device send interval
func (s SimulatorConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

// Addr returns the relay listen address
func (r RelayConfig) Addr() string {
	return fmt.Sprintf(":%d", r.Port)
}

// legacyEnv maps config keys to the bare environment variables the relay and
// simulator have always honored.
var legacyEnv = map[string]string{
	"relay.port":             "WS_PORT",
	"simulator.server_url":   "SERVER_URL",
	"simulator.interval_ms":  "INTERVAL_MS",
	"simulator.device_count": "DEVICE_COUNT",
	"simulator.multi_plant":  "MULTI_PLANT",
	"simulator.debug":        "DEBUG",
	"logging.level":          "LOG_LEVEL",
}

// LoadConfig reads configuration from file or environment variables.
// An empty file means: look for config.yaml in path and ./config.
func LoadConfig(path, file string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(path)
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		// No file: defaults and environment only.
	}

	v.SetEnvPrefix("SOLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		prefixed := "SOLAR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate checks the loaded values against their constraints
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("relay.port", 8081)
	v.SetDefault("relay.heartbeat_interval", "30s")
	v.SetDefault("relay.routing", "global")
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.shutdown_timeout", "15s")
	v.SetDefault("relay.ingest_channel", "solar-events")
	v.SetDefault("relay.presence_channel", "presence-events")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "solar-hub")
	v.SetDefault("nats.reconnect_wait", "500ms")
	v.SetDefault("nats.timeout", "3s")

	v.SetDefault("simulator.server_url", "http://localhost:8080")
	v.SetDefault("simulator.endpoint", "/iot/data")
	v.SetDefault("simulator.interval_ms", 5000)
	v.SetDefault("simulator.device_count", 1)
	v.SetDefault("simulator.devices_per_plant", 5)
	v.SetDefault("simulator.multi_plant", false)
	v.SetDefault("simulator.sink", "http")
	v.SetDefault("simulator.enable_faults", true)
	v.SetDefault("simulator.fault_rate", 0.05)
	v.SetDefault("simulator.max_solar_power", 5000.0)
	v.SetDefault("simulator.sunrise_hour", 6.0)
	v.SetDefault("simulator.sunset_hour", 18.0)
	v.SetDefault("simulator.peak_hour", 12.0)
	v.SetDefault("simulator.debug", false)
}
