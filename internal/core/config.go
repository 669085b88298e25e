package core

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything odmctl reads from its YAML file and the environment.
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	NodeODM   NodeODMConfig `yaml:"nodeodm"`
	Run       RunConfig     `yaml:"run"`
	Log       LogConfig     `yaml:"log"`
	History   HistoryConfig `yaml:"history"`
	Publish   PublishConfig `yaml:"publish"`
	Telemetry bool          `yaml:"telemetry"`
}

type ServerConfig struct {
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	Scheme            string  `yaml:"scheme"`
	Username          string  `yaml:"username"`
	Password          string  `yaml:"password"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type NodeODMConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

type RunConfig struct {
	OptionsDir          string `yaml:"options_dir"`
	OutputDir           string `yaml:"output_dir"`
	Asset               string `yaml:"asset"`
	MinImages           int    `yaml:"min_images"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// HistoryConfig enables the run history database when Path is set.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// PublishConfig enables uploading the downloaded asset over SFTP when Host
// is set.
type PublishConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

// DefaultConfig matches a WebODM install on localhost with a NodeODM node on
// port 3000.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8000,
			Scheme:         "http",
			TimeoutSeconds: 60,
		},
		NodeODM: NodeODMConfig{Host: "localhost", Port: 3000},
		Run: RunConfig{
			Asset:               "all.zip",
			MinImages:           5,
			PollIntervalSeconds: 3,
		},
		Log:     LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
		Publish: PublishConfig{Port: 22},
	}
}

// BaseURL is the WebODM root, without a trailing slash.
func (c ServerConfig) BaseURL() string {
	return c.Scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c NodeODMConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c RunConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ConfigDir resolves $XDG_CONFIG_HOME/odmctl or ~/.config/odmctl.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "odmctl")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves ConfigDir()/config.yaml and falls back to defaults when that file
// does not exist. Credentials are then merged from .env files and the
// environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	mergeCredentials(&cfg)
	cfg.fillDefaults()
	return cfg, nil
}

// mergeCredentials keeps secrets out of YAML. Sources in increasing priority:
// .env in the config dir, .env in the working directory, the environment.
func mergeCredentials(cfg *Config) {
	for _, p := range []string{filepath.Join(ConfigDir(), ".env"), ".env"} {
		secrets, _ := LoadSecretsEnv(p)
		apply(cfg, secrets)
	}
	env := map[string]string{}
	for _, k := range []string{"USERNAME", "PASSWORD", "NODEODM_TOKEN"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	apply(cfg, env)
}

func apply(cfg *Config, secrets map[string]string) {
	if v := secrets["USERNAME"]; v != "" {
		cfg.Server.Username = v
	}
	if v := secrets["PASSWORD"]; v != "" {
		cfg.Server.Password = v
	}
	if v := secrets["NODEODM_TOKEN"]; v != "" {
		cfg.NodeODM.Token = v
	}
}

// fillDefaults repairs zero values a partial YAML file leaves behind.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Scheme == "" {
		c.Server.Scheme = d.Server.Scheme
	}
	if c.Server.TimeoutSeconds <= 0 {
		c.Server.TimeoutSeconds = d.Server.TimeoutSeconds
	}
	if c.NodeODM.Host == "" {
		c.NodeODM.Host = d.NodeODM.Host
	}
	if c.NodeODM.Port == 0 {
		c.NodeODM.Port = d.NodeODM.Port
	}
	if c.Run.Asset == "" {
		c.Run.Asset = d.Run.Asset
	}
	if c.Run.MinImages <= 0 {
		c.Run.MinImages = d.Run.MinImages
	}
	if c.Run.PollIntervalSeconds <= 0 {
		c.Run.PollIntervalSeconds = d.Run.PollIntervalSeconds
	}
	if c.Publish.Port == 0 {
		c.Publish.Port = d.Publish.Port
	}
}
