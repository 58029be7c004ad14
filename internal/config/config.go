// Package config loads sowback's TOML configuration with
// github.com/spf13/viper, binding CLI flags over file values field-by-field
// via viper's BindPFlag mechanism. The server config additionally supports
// hot-reload of token/max_clients via fsnotify.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sowback/sowback/internal/logging"
)

// ServerConfig is the resolved configuration for `sowback listen`.
type ServerConfig struct {
	ListenAddr string
	BindHost   string
	Token      string
	MaxClients int
	Name       string
	LogFile    string
	LogFormat  string
}

// ClientConfig is the resolved configuration for `sowback connect`.
type ClientConfig struct {
	Servers            []string
	Token              string
	Services           []string
	ReconnectInterval  time.Duration
	HeartbeatInterval  time.Duration
	Name               string
	LogFile            string
	LogFormat          string
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}
	return v, nil
}

// LoadServer builds a ServerConfig from configPath (may be empty, meaning
// "flags only") with flags overriding file values field-by-field.
func LoadServer(configPath string, flags *pflag.FlagSet) (*ServerConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	v.SetDefault("bind_host", "0.0.0.0")
	v.SetDefault("max_clients", 0)
	v.SetDefault("log_format", "text")

	bind := map[string]string{
		"listen_addr": "listen-addr",
		"bind_host":   "bind",
		"token":       "token",
		"max_clients": "max-clients",
		"name":        "name",
		"log_file":    "log",
		"log_format":  "log-format",
	}
	for key, flag := range bind {
		if flags != nil && flags.Lookup(flag) != nil {
			if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
				return nil, err
			}
		}
	}

	cfg := &ServerConfig{
		ListenAddr: v.GetString("listen_addr"),
		BindHost:   v.GetString("bind_host"),
		Token:      v.GetString("token"),
		MaxClients: v.GetInt("max_clients"),
		Name:       v.GetString("name"),
		LogFile:    v.GetString("log_file"),
		LogFormat:  v.GetString("log_format"),
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("config: token is required")
	}
	return cfg, nil
}

// LoadClient builds a ClientConfig from configPath with flag overrides.
// Servers may be empty: the connect command supplies the positional
// server_addr after loading.
func LoadClient(configPath string, flags *pflag.FlagSet) (*ClientConfig, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	v.SetDefault("reconnect_interval", "5s")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("log_format", "text")

	bind := map[string]string{
		"token":              "token",
		"reconnect_interval": "reconnect-interval",
		"heartbeat_interval": "heartbeat-interval",
		"name":               "name",
		"log_file":           "log",
		"log_format":         "log-format",
	}
	for key, flag := range bind {
		if flags != nil && flags.Lookup(flag) != nil {
			if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
				return nil, err
			}
		}
	}

	cfg := &ClientConfig{
		Servers:   v.GetStringSlice("servers"),
		Token:     v.GetString("token"),
		Services:  v.GetStringSlice("services"),
		Name:      v.GetString("name"),
		LogFile:   v.GetString("log_file"),
		LogFormat: v.GetString("log_format"),
	}
	cfg.ReconnectInterval, err = time.ParseDuration(v.GetString("reconnect_interval"))
	if err != nil {
		return nil, fmt.Errorf("config: reconnect_interval: %w", err)
	}
	cfg.HeartbeatInterval, err = time.ParseDuration(v.GetString("heartbeat_interval"))
	if err != nil {
		return nil, fmt.Errorf("config: heartbeat_interval: %w", err)
	}
	if flags != nil {
		if svc, err := flags.GetStringArray("service"); err == nil && len(svc) > 0 {
			cfg.Services = svc
		}
		if addr, err := flags.GetStringArray("server"); err == nil && len(addr) > 0 {
			cfg.Servers = addr
		}
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("config: token is required")
	}
	return cfg, nil
}

// WatchServer re-invokes onChange with a freshly reloaded ServerConfig
// whenever configPath changes on disk, letting a running server pick up a
// new token or max_clients without a restart.
func WatchServer(configPath string, logger logging.Logger, onChange func(*ServerConfig)) (*fsnotify.Watcher, error) {
	if configPath == "" {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: fsnotify: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", configPath, err)
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadServer(configPath, nil)
				if err != nil {
					logger.WLogf("config: reload %s failed: %s", configPath, err)
					continue
				}
				logger.ILogf("config: reloaded %s", configPath)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WLogf("config: watcher error: %s", err)
			}
		}
	}()
	return watcher, nil
}
