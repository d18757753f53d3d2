package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gaffer-run/gaffer/pkg/types"
)

// defaultFileName is looked up inside a resolved config directory
// (/etc/gaffer, ~/.gaffer) when the resolved path is not itself a
// file.
const defaultFileName = "gafferd.yaml"

// JobSpec is one entry of the startup job set: a JobConfig plus
// whether Manager.Load should start it immediately.
type JobSpec struct {
	types.JobConfig `yaml:",inline"`
	Start           bool `yaml:"start"`
}

// Config is gafferd's and gaffer-lookupd's daemon configuration.
// gaffer-lookupd only reads Listen, TLSCert, and TLSKey; the rest are
// gafferd-only.
type Config struct {
	Listen string `yaml:"listen"`

	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	PIDFile  string `yaml:"pidfile,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
	LogJSON  bool   `yaml:"log_json,omitempty"`

	// NodeName identifies this gafferd to lookupd in IDENTIFY. Origin
	// (the advertised address other nodes reach it on) defaults to
	// Listen when empty.
	NodeName string `yaml:"node_name,omitempty"`
	Origin   string `yaml:"origin,omitempty"`

	Lookupd   []string `yaml:"lookupd,omitempty"`
	LookupdCA string   `yaml:"lookupd_ca,omitempty"`

	// Sessions maps session name to the jobs loaded into it at
	// startup, run in Priority order within a session.
	Sessions map[string][]JobSpec `yaml:"sessions,omitempty"`
}

// Default returns the zero-value daemon configuration: HTTP on :5000,
// no TLS, no lookupd, no preloaded jobs.
func Default() *Config {
	return &Config{
		Listen:   ":5000",
		LogLevel: "info",
	}
}

// ResolvePath applies spec.md's config resolution order: the --config
// flag value, then GAFFERD_CONFIG, then /etc/gaffer, then ~/.gaffer.
// Each candidate is tried as a direct file path and, if it names a
// directory, as that directory joined with gafferd.yaml.
func ResolvePath(flagValue string) (string, error) {
	var candidates []string
	if flagValue != "" {
		candidates = append(candidates, flagValue)
	}
	if env := os.Getenv("GAFFERD_CONFIG"); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, "/etc/gaffer")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".gaffer"))
	}

	for _, c := range candidates {
		if p, ok := resolveCandidate(c); ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("no gafferd config found (looked in %v)", candidates)
}

func resolveCandidate(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if !info.IsDir() {
		return path, true
	}
	p := filepath.Join(path, defaultFileName)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Load reads and parses the YAML config at path, filling unset fields
// from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":5000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Origin == "" {
		cfg.Origin = cfg.Listen
	}
	return cfg, nil
}
