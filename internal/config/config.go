package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "VOICE"

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	// Secret is the bearer token of the control API; empty leaves it open.
	Secret string `mapstructure:"secret"`

	User       UserConfig      `mapstructure:"user"`
	Transport  TransportConfig `mapstructure:"transport"`
	Gateway    GatewayConfig   `mapstructure:"gateway"`
	Monitor    MonitorConfig   `mapstructure:"monitor"`
	ICERestart RetryConfig     `mapstructure:"ice_restart"`
	Restarts   LimitConfig     `mapstructure:"restarts"`
	RTC        RTCConfig       `mapstructure:"rtc"`
}

type UserConfig struct {
	Name  string `mapstructure:"name"`
	Token string `mapstructure:"token"`
}

type TransportConfig struct {
	// Kind is "mqtt" or "ws".
	Kind           string        `mapstructure:"kind"`
	URL            string        `mapstructure:"url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

type GatewayConfig struct {
	Server               string        `mapstructure:"server"`
	Name                 string        `mapstructure:"name"`
	QoS                  byte          `mapstructure:"qos"`
	KeepAlivePeriod      time.Duration `mapstructure:"keep_alive_period"`
	KeepAliveTimeout     time.Duration `mapstructure:"keep_alive_timeout"`
	KeepAliveMaxFailures int           `mapstructure:"keep_alive_max_failures"`
	DestroyTimeout       time.Duration `mapstructure:"destroy_timeout"`
}

type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Ceiling      int           `mapstructure:"ceiling"`
	// WatchInterval paces interface polling of the device network.
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

type LimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type RTCConfig struct {
	ICEServers  []ICEServer   `mapstructure:"ice_servers"`
	PLIInterval time.Duration `mapstructure:"pli_interval"`
	LogLevel    string        `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")

	v.SetDefault("user.name", "guest")
	v.SetDefault("user.token", "")

	v.SetDefault("transport.kind", "mqtt")
	v.SetDefault("transport.url", "tcp://localhost:1883")
	v.SetDefault("transport.client_id", "")
	v.SetDefault("transport.username", "")
	v.SetDefault("transport.password", "")
	v.SetDefault("transport.keep_alive", "30s")
	v.SetDefault("transport.connect_timeout", "10s")
	v.SetDefault("transport.backoff_initial", "500ms")
	v.SetDefault("transport.backoff_max", "30s")
	v.SetDefault("transport.ping_period", "25s")
	v.SetDefault("transport.read_limit", 1<<20)

	v.SetDefault("gateway.server", "voice")
	v.SetDefault("gateway.name", "janus")
	v.SetDefault("gateway.qos", 1)
	v.SetDefault("gateway.keep_alive_period", "20s")
	v.SetDefault("gateway.keep_alive_timeout", "10s")
	v.SetDefault("gateway.keep_alive_max_failures", 3)
	v.SetDefault("gateway.destroy_timeout", "5s")

	v.SetDefault("monitor.poll_interval", "1s")
	v.SetDefault("monitor.ceiling", 20)
	v.SetDefault("monitor.watch_interval", "2s")

	v.SetDefault("ice_restart.max_attempts", 10)
	v.SetDefault("ice_restart.interval", "1s")

	v.SetDefault("restarts.limit", 3)
	v.SetDefault("restarts.window", "1m")

	v.SetDefault("rtc.ice_servers", []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}})
	v.SetDefault("rtc.pli_interval", "3s")
	v.SetDefault("rtc.log_level", "warn")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) after a .env
// file, if any. VOICE_* variables override both, with nested keys joined by
// underscores: VOICE_GATEWAY_SERVER sets gateway.server.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("module", "config").Err(err).Msg("read .env")
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load for an explicit file. A missing file leaves the
// defaults in place.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("transport", cfg.Transport.Kind).
		Str("server", cfg.Gateway.Server).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case "mqtt", "ws":
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}
	if c.Gateway.Server == "" {
		return errors.New("config: gateway.server is required")
	}
	return nil
}
