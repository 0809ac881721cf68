package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/g960059/vlab/internal/experiment"
)

type Config struct {
	Host       string
	AdminAddr  string
	Experiment string
	Resistance float64
	// Instruments, when set, defines a custom experiment (port to kind)
	// wired only through Couplings.
	Instruments       map[int]string
	Couplings         []experiment.CouplingSpec
	Constants         map[string]float64
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	MaxLineLength     int
	WriteTimeout      time.Duration
	EvictOnDisconnect bool
	JournalPath       string
	JournalRetention  time.Duration
	RetentionInterval time.Duration
	LogLevel          string
	LogFormat         string
}

func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		AdminAddr:         "127.0.0.1:9100",
		Experiment:        "ohm",
		Resistance:        experiment.DefaultResistance,
		IdleTimeout:       10 * time.Minute,
		SweepInterval:     30 * time.Second,
		MaxLineLength:     64 * 1024,
		WriteTimeout:      5 * time.Second,
		JournalPath:       defaultJournalPath(),
		JournalRetention:  7 * 24 * time.Hour,
		RetentionInterval: time.Hour,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vlab.db"
	}
	return filepath.Join(home, ".local", "state", "vlab", "journal.db")
}

// file is the YAML form of Config. Durations are Go duration strings.
type file struct {
	Host              *string                   `yaml:"host"`
	AdminAddr         *string                   `yaml:"admin_addr"`
	Experiment        *string                   `yaml:"experiment"`
	Resistance        *float64                  `yaml:"resistance"`
	Instruments       map[string]string         `yaml:"instruments"`
	Couplings         []experiment.CouplingSpec `yaml:"couplings"`
	Constants         map[string]float64        `yaml:"constants"`
	IdleTimeout       *string                   `yaml:"idle_timeout"`
	SweepInterval     *string                   `yaml:"sweep_interval"`
	MaxLineLength     *int                      `yaml:"max_line_length"`
	WriteTimeout      *string                   `yaml:"write_timeout"`
	EvictOnDisconnect *bool                     `yaml:"evict_on_disconnect"`
	// An explicit empty string disables the journal.
	JournalPath       *string `yaml:"journal_path"`
	JournalRetention  *string `yaml:"journal_retention"`
	RetentionInterval *string `yaml:"retention_interval"`
	LogLevel          *string `yaml:"log_level"`
	LogFormat         *string `yaml:"log_format"`
}

// Load reads a YAML config from path on top of DefaultConfig. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.apply(raw); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for in-memory YAML.
func Parse(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.apply(raw); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply(raw []byte) error {
	var f file
	if err := yaml.UnmarshalWithOptions(raw, &f, yaml.Strict()); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	setString(&c.Host, f.Host)
	setString(&c.AdminAddr, f.AdminAddr)
	setString(&c.Experiment, f.Experiment)
	setString(&c.JournalPath, f.JournalPath)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)
	if f.Resistance != nil {
		c.Resistance = *f.Resistance
	}
	if f.MaxLineLength != nil {
		c.MaxLineLength = *f.MaxLineLength
	}
	if f.EvictOnDisconnect != nil {
		c.EvictOnDisconnect = *f.EvictOnDisconnect
	}
	if len(f.Couplings) > 0 {
		c.Couplings = f.Couplings
	}
	if len(f.Constants) > 0 {
		c.Constants = f.Constants
	}
	if len(f.Instruments) > 0 {
		c.Instruments = make(map[int]string, len(f.Instruments))
		for key, kind := range f.Instruments {
			port, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil {
				return fmt.Errorf("instruments: invalid port %q", key)
			}
			c.Instruments[port] = kind
		}
	}

	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"idle_timeout", f.IdleTimeout, &c.IdleTimeout},
		{"sweep_interval", f.SweepInterval, &c.SweepInterval},
		{"write_timeout", f.WriteTimeout, &c.WriteTimeout},
		{"journal_retention", f.JournalRetention, &c.JournalRetention},
		{"retention_interval", f.RetentionInterval, &c.RetentionInterval},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Experiment == "" {
		errs = append(errs, errors.New("experiment is required"))
	}
	if c.Resistance <= 0 {
		errs = append(errs, fmt.Errorf("resistance must be positive, got %g", c.Resistance))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.MaxLineLength < 64 {
		errs = append(errs, fmt.Errorf("max_line_length must be at least 64, got %d", c.MaxLineLength))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write_timeout must not be negative"))
	}
	if c.JournalPath != "" && c.JournalRetention <= 0 {
		errs = append(errs, errors.New("journal_retention must be positive when the journal is enabled"))
	}
	if c.JournalPath != "" && c.RetentionInterval <= 0 {
		errs = append(errs, errors.New("retention_interval must be positive when the journal is enabled"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if len(errs) == 0 {
		if _, err := c.Definition(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Definition resolves the configured experiment, with any couplings applied.
func (c Config) Definition() (experiment.Definition, error) {
	var (
		def experiment.Definition
		err error
	)
	if len(c.Instruments) > 0 {
		def, err = experiment.Custom(c.Experiment, c.Instruments)
	} else {
		def, err = experiment.Lookup(c.Experiment, c.Resistance)
	}
	if err != nil {
		return experiment.Definition{}, err
	}
	consts := map[string]float64{"resistance": c.Resistance}
	for k, v := range c.Constants {
		consts[k] = v
	}
	cs, err := experiment.CompileCouplings(c.Couplings, consts)
	if err != nil {
		return experiment.Definition{}, err
	}
	return def.WithCouplings(cs), nil
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
