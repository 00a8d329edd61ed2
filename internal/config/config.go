// Package config loads datalogger's runtime configuration by layering a
// config file and the environment under built-in defaults, following the
// shoveler's config.go (viper.SetDefault / AutomaticEnv /
// SetEnvKeyReplacer). CLI flags are applied on top by the caller (main),
// taking precedence over everything here.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds everything needed to start the daemon.
type Config struct {
	// Addr is the TCP listen address, e.g. ":12345".
	Addr string
	// SinkName selects the registered sink; SinkOpts is passed to its Open.
	SinkName string
	SinkOpts string
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string
	// MetricsEnable/MetricsAddr control the optional /metrics endpoint.
	MetricsEnable bool
	MetricsAddr   string
}

// Default returns datalogger's built-in defaults.
func Default() Config {
	return Config{
		Addr:          ":12345",
		SinkName:      "bintxt",
		SinkOpts:      "",
		LogLevel:      "info",
		MetricsEnable: false,
		MetricsAddr:   ":9994",
	}
}

// Load builds a Config from built-in defaults, an optional config file
// (YAML/JSON/TOML, auto-detected by viper), and the environment
// (DATALOGGER_LISTEN_ADDR, DATALOGGER_SINK_NAME, ...). configFile may be
// empty, in which case Load searches the usual local paths and proceeds
// on defaults alone if none is found — unlike the shoveler, a missing
// config file here is not fatal.
func Load(configFile string) (Config, error) {
	cfg := Default()
	v := viper.New()

	v.SetDefault("listen.addr", cfg.Addr)
	v.SetDefault("sink.name", cfg.SinkName)
	v.SetDefault("sink.opts", cfg.SinkOpts)
	v.SetDefault("log.level", cfg.LogLevel)
	v.SetDefault("metrics.enable", cfg.MetricsEnable)
	v.SetDefault("metrics.addr", cfg.MetricsAddr)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("datalogger")
		v.AddConfigPath("/etc/datalogger/")
		v.AddConfigPath("$HOME/.datalogger")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("DATALOGGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg.Addr = v.GetString("listen.addr")
	cfg.SinkName = v.GetString("sink.name")
	cfg.SinkOpts = v.GetString("sink.opts")
	cfg.LogLevel = v.GetString("log.level")
	cfg.MetricsEnable = v.GetBool("metrics.enable")
	cfg.MetricsAddr = v.GetString("metrics.addr")
	return cfg, nil
}
