// Package config loads the service configuration from YAML, .env files and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"web/aqmap/cluster"
)

type Config struct {
	Server  ServerConfig                `yaml:"server"`
	Sources SourcesConfig               `yaml:"sources"`
	Cluster cluster.SuperclusterOptions `yaml:"cluster"`
	Map     MapConfig                   `yaml:"map"`
	Runner  RunnerConfig                `yaml:"runner"`
	Store   StoreConfig                 `yaml:"store"`
	Logging LoggingConfig               `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// GRPCPort is where cmd/runners listens.
	GRPCPort int `yaml:"grpc_port"`
	// RunnerAddr is the runner address cmd/api dials.
	RunnerAddr     string   `yaml:"runner_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SourcesConfig struct {
	ReadingsURL   string   `yaml:"readings_url"`
	ReadingsToken string   `yaml:"readings_token"`
	WAQIURL       string   `yaml:"waqi_url"`
	WAQIToken     string   `yaml:"waqi_token"`
	Cities        []string `yaml:"cities"`
	Concurrency   int      `yaml:"concurrency"`
	Timeout       string   `yaml:"timeout"`
}

type MapConfig struct {
	Pollutant  string  `yaml:"pollutant"`
	Style      string  `yaml:"style"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Lat        float64 `yaml:"lat"`
	Lng        float64 `yaml:"lng"`
	Zoom       float64 `yaml:"zoom"`
	SelectZoom float64 `yaml:"select_zoom"`
	ZoomStep   float64 `yaml:"zoom_step"`
	// Radii overrides the clustering radius per marker style.
	Radii map[string]float64 `yaml:"radii"`
}

type RunnerConfig struct {
	MaxViews        int    `yaml:"max_views"`
	IdleTimeout     string `yaml:"idle_timeout"`
	JanitorInterval string `yaml:"janitor_interval"`
	SnapshotDir     string `yaml:"snapshot_dir"`
	PersistTimeout  string `yaml:"persist_timeout"`
}

type StoreConfig struct {
	// Driver is one of sqlite, memory or query.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

var DefaultCities = []string{
	"kampala", "nairobi", "kigali", "dar-es-salaam", "addis-ababa",
	"lagos", "accra", "kinshasa", "yaounde", "abidjan",
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			GRPCPort:       50051,
			RunnerAddr:     "localhost:50051",
			AllowedOrigins: []string{"*"},
		},
		Sources: SourcesConfig{
			ReadingsURL: "https://api.airqo.net/api/v2/devices/readings/map",
			WAQIURL:     "https://api.waqi.info/feed",
			Cities:      append([]string(nil), DefaultCities...),
			Concurrency: 8,
			Timeout:     "10s",
		},
		Cluster: cluster.DefaultOptions(),
		Map: MapConfig{
			Pollutant:  "pm2_5",
			Style:      "emoji",
			Width:      1024,
			Height:     768,
			Lat:        0.3476,
			Lng:        32.5825,
			Zoom:       6,
			SelectZoom: 16,
			ZoomStep:   2,
		},
		Runner: RunnerConfig{
			MaxViews:        64,
			IdleTimeout:     "30m",
			JanitorInterval: "5m",
			SnapshotDir:     "data/snapshots",
			PersistTimeout:  "2s",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/locations.db",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
// Values from a .env file in the working directory and from the environment
// override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// .env is optional; existing environment variables win over it
	_ = godotenv.Load()

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("WAQI_TOKEN"); v != "" {
		c.Sources.WAQIToken = v
	}
	if v := os.Getenv("READINGS_TOKEN"); v != "" {
		c.Sources.ReadingsToken = v
	}
	if v := os.Getenv("AQMAP_READINGS_URL"); v != "" {
		c.Sources.ReadingsURL = v
	}
	if v := os.Getenv("AQMAP_WAQI_URL"); v != "" {
		c.Sources.WAQIURL = v
	}
	if v := os.Getenv("AQMAP_CITIES"); v != "" {
		c.Sources.Cities = splitList(v)
	}
	if v := os.Getenv("AQMAP_RUNNER_ADDR"); v != "" {
		c.Server.RunnerAddr = v
	}
	if v := os.Getenv("AQMAP_SNAPSHOT_DIR"); v != "" {
		c.Runner.SnapshotDir = v
	}
	if v := os.Getenv("AQMAP_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("AQMAP_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("AQMAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AQMAP_MAX_VIEWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AQMAP_MAX_VIEWS %q: %w", v, err)
		}
		c.Runner.MaxViews = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Runner.MaxViews <= 0 {
		return fmt.Errorf("max_views must be positive, got %d", c.Runner.MaxViews)
	}
	switch c.Store.Driver {
	case "sqlite", "memory", "query":
	default:
		return fmt.Errorf("unknown store driver: %s (valid: sqlite, memory, query)", c.Store.Driver)
	}
	if c.Cluster.MaxZoom < c.Cluster.MinZoom {
		return fmt.Errorf("cluster max_zoom %d below min_zoom %d", c.Cluster.MaxZoom, c.Cluster.MinZoom)
	}
	return nil
}

// SourceTimeout returns the upstream request timeout.
func (c *Config) SourceTimeout() time.Duration {
	return parseDuration(c.Sources.Timeout, 10*time.Second)
}

func (c *Config) IdleTimeout() time.Duration {
	return parseDuration(c.Runner.IdleTimeout, 30*time.Minute)
}

func (c *Config) JanitorInterval() time.Duration {
	return parseDuration(c.Runner.JanitorInterval, 5*time.Minute)
}

func (c *Config) PersistTimeout() time.Duration {
	return parseDuration(c.Runner.PersistTimeout, 2*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
