package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EngineConfig registers one media engine in the pool.
type EngineConfig struct {
	ID       string `mapstructure:"id"`
	URI      string `mapstructure:"uri"`
	Capacity int    `mapstructure:"capacity"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Selection    string         `mapstructure:"selection"`
	Engines      []EngineConfig `mapstructure:"engines"`
	ICEServers   []string       `mapstructure:"ice_servers"`
	UDPPortMin   uint16         `mapstructure:"udp_port_min"`
	UDPPortMax   uint16         `mapstructure:"udp_port_max"`
	MessageRate  RateConfig     `mapstructure:"message_rate"`
	Backpressure string         `mapstructure:"backpressure"`
	Loopback     bool           `mapstructure:"loopback"`
}

// Flag names bound onto config keys.
var flagKeys = map[string]string{
	"port":      "port",
	"log-level": "log_level",
	"selection": "selection",
}

// Load reads config/config.<env>.yaml, then VOICE_* environment variables,
// then any flags set on fs. env empty means CONFIG_ENV, falling back to dev.
func Load(env string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	fileName := "config/config." + env + ".yaml"
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("selection", "round_robin")
	v.SetDefault("engines", []map[string]any{{"id": "local", "uri": "local://", "capacity": 0}})
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("message_rate.limit", 10)
	v.SetDefault("message_rate.interval", "10s")
	v.SetDefault("backpressure", "kick")
	v.SetDefault("loopback", true)

	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", flag)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Int("engines", len(cfg.Engines)).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if e.ID == "" {
			return errors.Errorf("engines[%d]: id is required", i)
		}
		if seen[e.ID] {
			return errors.Errorf("engines[%d]: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
	}
	if (c.UDPPortMin == 0) != (c.UDPPortMax == 0) || c.UDPPortMin > c.UDPPortMax {
		return errors.Errorf("invalid udp port range %d-%d", c.UDPPortMin, c.UDPPortMax)
	}
	return nil
}
