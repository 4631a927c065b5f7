// Package config loads the gateway configuration.
// Values come from a YAML file, then from the environment.
// Command line flags are applied on top by the binary.
// Precedence is flags, then environment, then file, also when the file is reloaded:
// a version pinned by KIPLY_VERSION or a flag is not changed by editing the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	requestpolicy "github.com/kiply/asset-cache/pkg/request-policy"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

var (
	ErrNoVersion    = errors.New("config: no cache version tag")
	ErrNoOrigin     = errors.New("config: no origin")
	ErrUnknownStore = errors.New("config: unknown store")
	ErrInvalidURL   = errors.New("config: invalid url")
)

type Config struct {
	// Version tag naming the current cache generation.
	Version string `yaml:"version"`
	Listen  string `yaml:"listen"`
	// Admin listener, empty to disable.
	AdminListen  string                `yaml:"adminListen"`
	Origin       string                `yaml:"origin"`
	Host         string                `yaml:"host"`
	DataStore    DataStore             `yaml:"dataStore"`
	Routes       []requestpolicy.Route `yaml:"routes"`
	Assets       Assets                `yaml:"assets"`
	Store        Store                 `yaml:"store"`
	PixelID      string                `yaml:"pixelId"`
	WriteTimeout time.Duration         `yaml:"writeTimeout"`
}

type DataStore struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

type Assets struct {
	Extensions []string `yaml:"extensions"`
	Segment    string   `yaml:"segment"`
}

type Store struct {
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"`
	RedisURL    string `yaml:"redisUrl"`
	RedisPrefix string `yaml:"redisPrefix"`
}

// environment holds the values that can be set from the environment.
type environment struct {
	Version      string        `env:"KIPLY_CACHE_VERSION"`
	Listen       string        `env:"KIPLY_LISTEN"`
	AdminListen  string        `env:"KIPLY_ADMIN_LISTEN"`
	Origin       string        `env:"KIPLY_ORIGIN"`
	Host         string        `env:"KIPLY_ORIGIN_HOST"`
	DataStoreURL string        `env:"KIPLY_DATASTORE_URL"`
	DataStoreKey string        `env:"KIPLY_DATASTORE_KEY"`
	StoreKind    string        `env:"KIPLY_STORE"`
	StorePath    string        `env:"KIPLY_STORE_PATH"`
	RedisURL     string        `env:"KIPLY_REDIS_URL"`
	PixelID      string        `env:"KIPLY_PIXEL_ID"`
	WriteTimeout time.Duration `env:"KIPLY_WRITE_TIMEOUT"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Listen:      ":8080",
		AdminListen: "127.0.0.1:9090",
		Store: Store{
			Kind:        StoreSQLite,
			Path:        "cache.db",
			RedisPrefix: "kiply:",
		},
		WriteTimeout: 5 * time.Second,
	}
}

// Load reads the YAML file, if any, over the defaults and applies the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv overrides the values set in the environment.
func (c *Config) ApplyEnv() error {
	var e environment
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	override(&c.Version, e.Version)
	override(&c.Listen, e.Listen)
	override(&c.AdminListen, e.AdminListen)
	override(&c.Origin, e.Origin)
	override(&c.Host, e.Host)
	override(&c.DataStore.URL, e.DataStoreURL)
	override(&c.DataStore.Key, e.DataStoreKey)
	override(&c.Store.Kind, e.StoreKind)
	override(&c.Store.Path, e.StorePath)
	override(&c.Store.RedisURL, e.RedisURL)
	override(&c.PixelID, e.PixelID)
	if e.WriteTimeout != 0 {
		c.WriteTimeout = e.WriteTimeout
	}
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks that the gateway can be started with c.
func (c Config) Validate() error {
	if c.Version == "" {
		return ErrNoVersion
	}
	if c.Origin == "" {
		return ErrNoOrigin
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if _, err := c.DataStoreURL(); err != nil {
		return err
	}
	for _, route := range c.Routes {
		if _, err := parseURL(route.Target); err != nil {
			return fmt.Errorf("route %s: %w", route.Prefix, err)
		}
	}
	switch c.Store.Kind {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("%w: redis store without url", ErrUnknownStore)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Store.Kind)
	}
	return nil
}

// OriginURL returns the parsed origin.
// An origin without scheme is taken to be an https host.
func (c Config) OriginURL() (*url.URL, error) {
	origin := c.Origin
	if u, err := url.Parse(origin); err == nil && u.Scheme == "" {
		origin = "https://" + origin
	}
	return parseURL(origin)
}

// DataStoreURL returns the parsed data store URL, or nil if none is configured.
func (c Config) DataStoreURL() (*url.URL, error) {
	if c.DataStore.URL == "" {
		return nil, nil
	}
	return parseURL(c.DataStore.URL)
}

func parseURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, s)
	}
	return u, nil
}
