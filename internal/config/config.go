package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is shared by the relay server and the collab client; each binary
// reads the keys it needs.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	// RateLimit is frames per second per relay member; 0 disables it.
	RateLimit int  `mapstructure:"rate_limit"`
	Discovery bool `mapstructure:"discovery"`

	// Transport is one of relay, redis or memory.
	Transport string `mapstructure:"transport"`
	RelayURL  string `mapstructure:"relay_url"`
	RedisAddr string `mapstructure:"redis_addr"`

	LivenessWindow     time.Duration `mapstructure:"liveness_window"`
	PresenceRefresh    time.Duration `mapstructure:"presence_refresh"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	AntiEntropy        time.Duration `mapstructure:"anti_entropy_interval"`
	ICEServers         []string      `mapstructure:"ice_servers"`

	// SnapshotDriver is one of bolt, file or none.
	SnapshotDriver string `mapstructure:"snapshot_driver"`
	SnapshotPath   string `mapstructure:"snapshot_path"`
}

// Flags declares the command-line overrides. Flag names match config keys
// with dashes instead of underscores.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	fs.String("mode", "", "gin mode: debug or release")
	fs.Int("port", 0, "relay listen port")
	fs.String("transport", "", "sync transport: relay, redis or memory")
	fs.String("relay-url", "", "relay websocket base url")
	fs.String("redis-addr", "", "redis address for the redis transport")
	fs.String("snapshot-driver", "", "snapshot store: bolt, file or none")
	fs.String("snapshot-path", "", "snapshot file or directory")
	fs.Bool("discovery", false, "advertise or browse the relay over mDNS")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "collab-relay-secret")
	v.SetDefault("rate_limit", 200)
	v.SetDefault("discovery", false)
	v.SetDefault("transport", "relay")
	v.SetDefault("relay_url", "")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("liveness_window", "30s")
	v.SetDefault("presence_refresh", "15s")
	v.SetDefault("negotiation_timeout", "20s")
	v.SetDefault("flush_interval", "1s")
	v.SetDefault("anti_entropy_interval", "30s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("snapshot_driver", "bolt")
	v.SetDefault("snapshot_path", "collab.db")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) over the
// defaults, then applies any flags that were set in fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	if fs != nil {
		if f, err := fs.GetString("config"); err == nil && f != "" {
			fileName = f
		}
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed {
				return
			}
			_ = v.BindPFlag(flagKey(f.Name), f)
		})
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("transport", cfg.Transport).Msg("config ready")
	return &cfg, nil
}

func flagKey(name string) string {
	b := []byte(name)
	for i := range b {
		if b[i] == '-' {
			b[i] = '_'
		}
	}
	return string(b)
}

func (c *Config) validate() error {
	switch c.Transport {
	case "relay", "redis", "memory":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.SnapshotDriver {
	case "bolt", "file", "none":
	default:
		return fmt.Errorf("unknown snapshot driver %q", c.SnapshotDriver)
	}
	if c.PresenceRefresh >= c.LivenessWindow {
		return fmt.Errorf("presence refresh %s must be shorter than liveness window %s", c.PresenceRefresh, c.LivenessWindow)
	}
	return nil
}
