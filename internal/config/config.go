package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string
	BaseURL    string
	Headless   bool
	Location   *time.Location

	// session
	KeepAlive      time.Duration
	RequestTimeout time.Duration
	StartTimeout   time.Duration

	CORSOrigins     []string
	RateLimitPerMin int

	Env      string
	LogLevel string

	// one-shot CLI commands log in with these
	LoginKey      string
	LoginPassword string
}

type raw struct {
	ListenAddr      string `mapstructure:"LISTEN_ADDR"`
	Port            string `mapstructure:"PORT"`
	BaseURL         string `mapstructure:"TARGET_BASE_URL"`
	Headless        bool   `mapstructure:"HEADLESS"`
	KeepAliveSec    int    `mapstructure:"KEEPALIVE_SECONDS"`
	RequestSec      int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	StartSec        int    `mapstructure:"START_TIMEOUT_SECONDS"`
	CORSOrigins     string `mapstructure:"CORS_ORIGINS"`
	Timezone        string `mapstructure:"CLINIC_TIMEZONE"`
	RateLimitPerMin int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	Env             string `mapstructure:"ENV"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LoginKey        string `mapstructure:"LOGIN_KEY"`
	LoginPassword   string `mapstructure:"LOGIN_PASSWORD"`
}

var defaults = map[string]any{
	"LISTEN_ADDR":             "",
	"PORT":                    "",
	"TARGET_BASE_URL":         "",
	"HEADLESS":                true,
	"KEEPALIVE_SECONDS":       300,
	"REQUEST_TIMEOUT_SECONDS": 120,
	"START_TIMEOUT_SECONDS":   90,
	"CORS_ORIGINS":            "*",
	"CLINIC_TIMEZONE":         "Asia/Tokyo",
	"RATE_LIMIT_PER_MIN":      120,
	"ENV":                     "development",
	"LOG_LEVEL":               "info",
	"LOGIN_KEY":               "",
	"LOGIN_PASSWORD":          "",
}

// FromEnv reads the environment, falling back to an optional config.yaml in
// the working directory or ./config.
func FromEnv() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	var r raw
	if err := v.Unmarshal(&r); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr(r.ListenAddr, r.Port),
		BaseURL:         strings.TrimRight(strings.TrimSpace(r.BaseURL), "/"),
		Headless:        r.Headless,
		CORSOrigins:     splitCSV(r.CORSOrigins),
		RateLimitPerMin: r.RateLimitPerMin,
		Env:             strings.ToLower(strings.TrimSpace(r.Env)),
		LogLevel:        strings.TrimSpace(r.LogLevel),
		LoginKey:        strings.TrimSpace(r.LoginKey),
		LoginPassword:   r.LoginPassword,
	}

	if r.KeepAliveSec < 0 {
		return Config{}, fmt.Errorf("invalid KEEPALIVE_SECONDS")
	}
	cfg.KeepAlive = time.Duration(r.KeepAliveSec) * time.Second
	if r.RequestSec < 1 {
		return Config{}, fmt.Errorf("invalid REQUEST_TIMEOUT_SECONDS")
	}
	cfg.RequestTimeout = time.Duration(r.RequestSec) * time.Second
	if r.StartSec < 1 {
		return Config{}, fmt.Errorf("invalid START_TIMEOUT_SECONDS")
	}
	cfg.StartTimeout = time.Duration(r.StartSec) * time.Second
	if r.RateLimitPerMin < 0 {
		return Config{}, fmt.Errorf("invalid RATE_LIMIT_PER_MIN")
	}

	loc, err := time.LoadLocation(strings.TrimSpace(r.Timezone))
	if err != nil {
		return Config{}, fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	return cfg, nil
}

// RequireBaseURL is checked by commands that talk to the remote application.
func (c Config) RequireBaseURL() error {
	if c.BaseURL == "" {
		return fmt.Errorf("TARGET_BASE_URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("TARGET_BASE_URL must be an http(s) URL")
	}
	return nil
}

func (c Config) IsProduction() bool { return c.Env == "production" }

func listenAddr(addr, port string) string {
	addr, port = strings.TrimSpace(addr), strings.TrimSpace(port)
	switch {
	case addr != "":
		return addr
	case port != "":
		return ":" + port
	}
	return ":8080"
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
