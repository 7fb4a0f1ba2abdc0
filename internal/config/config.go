// Package config assembles the process configuration from two layers: the
// CLI flags that mirror the original proxy's getopt interface, and an
// optional YAML file plus environment overlay (via viper) for the venus
// pool coordinates and the tunables the CLI never exposed.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	ListenIP     string `mapstructure:"listen_ip"`
	ListenPort   int    `mapstructure:"listen_port"`
	Username     string `mapstructure:"-"`
	Password     string `mapstructure:"-"`
	AuthOnce     bool   `mapstructure:"-"`
	BindOutbound bool   `mapstructure:"-"`

	Venus VenusConfig `mapstructure:"venus"`
	Relay RelayConfig `mapstructure:"relay"`
	Log   LogConfig   `mapstructure:"log"`
	Admin AdminConfig `mapstructure:"admin"`
}

// VenusConfig names the alternate pool and the identity substituted into
// frames steered to it.
type VenusConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	WorkerName string `mapstructure:"worker_name"`
}

// RelayConfig holds the timing knobs of the copy loops and the dial guard.
type RelayConfig struct {
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	DialGuardAttempts   int           `mapstructure:"dial_guard_attempts"`
	DialGuardRetryDelay time.Duration `mapstructure:"dial_guard_retry_delay"`
}

// LogConfig mirrors the teacher's logging config shape.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// AdminConfig controls the introspection HTTP server. Bind defaults to a
// loopback address; any address given here is used as is.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// FlagSet is the subset of flag values read directly off argv, kept
// separate from Config so Load can apply "CLI wins" precedence explicitly.
type FlagSet struct {
	ListenIP     string
	ListenPort   int
	Username     string
	Password     string
	AuthOnce     bool
	BindOutbound bool
	ConfigFile   string
}

// ParseFlags parses argv the way the original `-1bi:p:u:P:` getopt string
// did: -i listen-ip, -p port, -u user, -P pass, -1 auth-once, -b bind
// outbound. It additionally accepts -c for an optional YAML overlay file,
// which the original did not have since it carried no secondary config
// layer. argv's -u/-P entries are overwritten with NUL bytes after reading
// (see zeroArg).
func ParseFlags(argv []string) (*FlagSet, error) {
	fs := flag.NewFlagSet("venusproxy", flag.ContinueOnError)

	listenIP := fs.String("i", "0.0.0.0", "bind address")
	listenPort := fs.Int("p", 1080, "listen port")
	username := fs.String("u", "", "username for user/pass auth")
	password := fs.String("P", "", "password for user/pass auth")
	authOnce := fs.Bool("1", false, "enable auth-once IP whitelisting")
	bindOutbound := fs.Bool("b", false, "bind outbound sockets to the listen IP")
	configFile := fs.String("c", "", "optional YAML config overlay")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	out := &FlagSet{
		ListenIP:     *listenIP,
		ListenPort:   *listenPort,
		Username:     *username,
		Password:     *password,
		AuthOnce:     *authOnce,
		BindOutbound: *bindOutbound,
		ConfigFile:   *configFile,
	}

	if err := out.validate(); err != nil {
		return nil, err
	}

	zeroArg(argv, *username)
	zeroArg(argv, *password)
	return out, nil
}

func (f *FlagSet) validate() error {
	if (f.Username == "") != (f.Password == "") {
		return fmt.Errorf("config: -u and -P must be supplied together")
	}
	if f.AuthOnce && f.Username == "" {
		return fmt.Errorf("config: -1 requires -u and -P")
	}
	return nil
}

// zeroArg replaces every argv entry equal to val with a string of NUL bytes
// of the same length, the Go analogue of the original's zero_arg helper.
// Go strings are immutable, so only the entries of the argv slice change:
// the memory the original strings occupy, and with it what a `ps` listing
// shows, is left as it was.
func zeroArg(argv []string, val string) {
	if val == "" {
		return
	}
	for i, a := range argv {
		if a == val {
			argv[i] = strings.Repeat("\x00", len(a))
		}
	}
}

// Load builds the final Config from parsed flags plus an optional YAML
// overlay and VENUSPROXY_-prefixed environment variables. CLI flags always
// win over the file for the fields both cover (listen address/port,
// username/password/auth-once/bind-outbound); the overlay is the only
// source for venus pool coordinates, relay timing, and admin/log settings.
func Load(flags *FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if flags.ConfigFile != "" {
		v.SetConfigFile(flags.ConfigFile)
	} else {
		v.SetConfigName("venusproxy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/venusproxy")
	}

	v.SetEnvPrefix("VENUSPROXY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading overlay: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling overlay: %w", err)
	}

	cfg.ListenIP = flags.ListenIP
	cfg.ListenPort = flags.ListenPort
	cfg.Username = flags.Username
	cfg.Password = flags.Password
	cfg.AuthOnce = flags.AuthOnce
	cfg.BindOutbound = flags.BindOutbound

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("venus.host", "cn.stratum.slushpool.com")
	v.SetDefault("venus.port", 443)
	v.SetDefault("venus.worker_name", "rayraycoin.v2")

	v.SetDefault("relay.idle_timeout", "15m")
	v.SetDefault("relay.dial_timeout", "6s")
	v.SetDefault("relay.dial_guard_attempts", 5)
	v.SetDefault("relay.dial_guard_retry_delay", "3s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.bind", "127.0.0.1:9080")
}

// Validate checks configuration invariants that cut across both layers.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port out of range")
	}
	if c.Venus.Host == "" {
		return fmt.Errorf("config: venus.host is required")
	}
	if c.Venus.Port <= 0 || c.Venus.Port > 65535 {
		return fmt.Errorf("config: venus.port out of range")
	}
	if c.Venus.WorkerName == "" {
		return fmt.Errorf("config: venus.worker_name is required")
	}
	if c.Relay.IdleTimeout <= 0 {
		return fmt.Errorf("config: relay.idle_timeout must be positive")
	}
	if c.Relay.DialTimeout <= 0 {
		return fmt.Errorf("config: relay.dial_timeout must be positive")
	}
	if c.Relay.DialGuardAttempts <= 0 {
		return fmt.Errorf("config: relay.dial_guard_attempts must be positive")
	}
	return nil
}

// AuthRequired reports whether the SOCKS5 handshake needs to negotiate
// username/password authentication at all.
func (c *Config) AuthRequired() bool { return c.Username != "" }
