package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "SMAUG"

// StaticNode is a node declared in the config file instead of etcd.
type StaticNode struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
	Secure  bool   `mapstructure:"secure"`
	Token   string `mapstructure:"token"`
}

// Server configures the orchestrator process.
type Server struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	Etcd struct {
		Endpoints   []string      `mapstructure:"endpoints"`
		Prefix      string        `mapstructure:"prefix"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"etcd"`

	Link struct {
		RetryDelay  time.Duration `mapstructure:"retry_delay"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"link"`

	Nodes []StaticNode `mapstructure:"nodes"`
}

// Agent configures the development node agent.
type Agent struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	Token        string        `mapstructure:"token"`
	ReplayWindow time.Duration `mapstructure:"replay_window"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
}

// LoadServer reads flags from args, then SMAUG_* environment variables,
// then the optional --config file. Flags explicitly set win over both.
func LoadServer(args []string) (*Server, error) {
	fs := pflag.NewFlagSet("smaug", pflag.ContinueOnError)
	fs.String("config", "", "path to a yaml config file")
	fs.String("listen-addr", ":8080", "HTTP listen address")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "json", "json or console")
	fs.StringSlice("etcd-endpoints", nil, "etcd endpoints; empty uses the static node list")
	fs.String("etcd-prefix", "/smaug/nodes/", "etcd key prefix for node records")
	fs.Duration("etcd-dial-timeout", 5*time.Second, "etcd dial timeout")
	fs.Duration("retry-delay", 5*time.Second, "delay between node reconnect attempts")
	fs.Duration("dial-timeout", 10*time.Second, "node socket dial timeout")

	v, err := load(fs, args, map[string]string{
		"listen_addr":       "listen-addr",
		"log_level":         "log-level",
		"log_format":        "log-format",
		"etcd.endpoints":    "etcd-endpoints",
		"etcd.prefix":       "etcd-prefix",
		"etcd.dial_timeout": "etcd-dial-timeout",
		"link.retry_delay":  "retry-delay",
		"link.dial_timeout": "dial-timeout",
	})
	if err != nil {
		return nil, err
	}

	var c Server
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.Link.RetryDelay <= 0 {
		return nil, errors.New("link.retry_delay must be positive")
	}
	return &c, nil
}

// LoadAgent is LoadServer for the agent process.
func LoadAgent(args []string) (*Agent, error) {
	fs := pflag.NewFlagSet("smaug-agent", pflag.ContinueOnError)
	fs.String("config", "", "path to a yaml config file")
	fs.String("listen-addr", ":8000", "HTTP listen address")
	fs.String("token", "", "shared secret issued by the orchestrator")
	fs.Duration("replay-window", 0, "reject signatures older than this and repeated nonces; 0 disables")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "json", "json or console")

	v, err := load(fs, args, map[string]string{
		"listen_addr":   "listen-addr",
		"token":         "token",
		"replay_window": "replay-window",
		"log_level":     "log-level",
		"log_format":    "log-format",
	})
	if err != nil {
		return nil, err
	}

	var c Agent
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.Token == "" {
		return nil, errors.New("token is required")
	}
	return &c, nil
}

func load(fs *pflag.FlagSet, args []string, keys map[string]string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}
