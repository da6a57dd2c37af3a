package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	StaticPath    string        `mapstructure:"static_path"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	Secret        string        `mapstructure:"secret"`
	OfferLimit    int           `mapstructure:"offer_limit"`
	OfferInterval time.Duration `mapstructure:"offer_interval"`
	LogLevel      string        `mapstructure:"log_level"`

	Client ClientConfig `mapstructure:"client"`

	v *viper.Viper
}

// ClientConfig configures the call client.
type ClientConfig struct {
	RelayURL               string        `mapstructure:"relay_url"`
	UserID                 string        `mapstructure:"user_id"`
	Role                   string        `mapstructure:"role"`
	DisplayName            string        `mapstructure:"display_name"`
	ICEServers             []string      `mapstructure:"ice_servers"`
	ICEDisconnectedTimeout time.Duration `mapstructure:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration `mapstructure:"ice_failed_timeout"`
	ICEKeepalive           time.Duration `mapstructure:"ice_keepalive"`
	RingTimeout            time.Duration `mapstructure:"ring_timeout"`
	AcquireTimeout         time.Duration `mapstructure:"acquire_timeout"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"mode":       "mode",
	"port":       "port",
	"log-level":  "log_level",
	"relay":      "client.relay_url",
	"user":       "client.user_id",
	"role":       "client.role",
	"name":       "client.display_name",
	"ice-server": "client.ice_servers",
	"ring":       "client.ring_timeout",
}

// RelayFlags registers the relay's command line flags.
func RelayFlags(fs *pflag.FlagSet) {
	fs.String("mode", "", "gin mode: debug, release or test")
	fs.Int("port", 0, "listen port")
	fs.String("log-level", "", "log level")
}

// ClientFlags registers the call client's command line flags.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("relay", "", "relay websocket url")
	fs.String("user", "", "user id to register")
	fs.String("role", "", "role: patient, doctor or guest")
	fs.String("name", "", "display name")
	fs.StringSlice("ice-server", nil, "STUN/TURN url, repeatable")
	fs.Duration("ring", 0, "give up on unanswered calls after this long")
	fs.String("log-level", "", "log level")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("offer_limit", 5)
	v.SetDefault("offer_interval", "10s")
	v.SetDefault("log_level", "info")

	v.SetDefault("client.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.role", "guest")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.ice_disconnected_timeout", "5s")
	v.SetDefault("client.ice_failed_timeout", "25s")
	v.SetDefault("client.ice_keepalive", "2s")
	v.SetDefault("client.ring_timeout", "45s")
	v.SetDefault("client.acquire_timeout", "30s")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then DUO_* environment
// variables, then any flags in fs that were set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("DUO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("relay", cfg.Client.RelayURL).Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.v = v
	return &cfg, nil
}

// OnChange calls fn with the re-read config whenever the config file changes.
// It does nothing when no file was loaded.
func (c *Config) OnChange(fn func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(c.v.ConfigFileUsed()); err != nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(c.v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(next)
	})
	c.v.WatchConfig()
}
