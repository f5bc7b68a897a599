// Package config loads the dashboard client configuration from an optional
// YAML file plus USERDECK_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type APIConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	ThrottleRate   float64
	ThrottleBurst  int
}

type SessionConfig struct {
	RefreshInterval  time.Duration
	IdleTimeout      time.Duration
	LoginMaxAttempts int
	LoginBackoffStep time.Duration
}

type TokensConfig struct {
	// Path of the sealed token file. Empty keeps tokens in memory only.
	Path       string
	Passphrase string
}

type RateLimitConfig struct {
	LoginMaxAttempts    int
	LoginWindow         time.Duration
	RegisterMaxAttempts int
	RegisterWindow      time.Duration
}

type AppConfig struct {
	Environment string
	API         APIConfig
	Session     SessionConfig
	Tokens      TokensConfig
	RateLimit   RateLimitConfig
	MetricsAddr string
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("config: api.baseurl is required")
	}
	if c.Session.RefreshInterval <= 0 {
		return fmt.Errorf("config: session.refreshinterval must be positive")
	}
	if c.Tokens.Path != "" && c.Tokens.Passphrase == "" {
		return fmt.Errorf("config: tokens.passphrase is required when tokens.path is set")
	}
	return nil
}

// Load reads configuration in the usual precedence: defaults, then an
// optional YAML file, then USERDECK_* environment variables.
func Load(paths ...string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("userdeck")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("USERDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("api.baseurl", "http://localhost:8080")
	v.SetDefault("api.requesttimeout", "15s")
	v.SetDefault("api.throttlerate", 10.0)
	v.SetDefault("api.throttleburst", 20)

	v.SetDefault("session.refreshinterval", "4m")
	v.SetDefault("session.idletimeout", "30m")
	v.SetDefault("session.loginmaxattempts", 3)
	v.SetDefault("session.loginbackoffstep", "1s")

	v.SetDefault("ratelimit.loginmaxattempts", 5)
	v.SetDefault("ratelimit.loginwindow", "15m")
	v.SetDefault("ratelimit.registermaxattempts", 5)
	v.SetDefault("ratelimit.registerwindow", "15m")

	v.SetDefault("metricsaddr", "")
}
