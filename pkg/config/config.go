package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".pupdash.yaml"

const (
	BootstrapIgnore = "ignore"
	BootstrapApply  = "apply"
)

type File struct {
	Server       string       `yaml:"server"`
	Stream       string       `yaml:"stream,omitempty"` // defaults to <server>/ws/state/
	Token        string       `yaml:"token,omitempty"`
	Reconnect    Reconnect    `yaml:"reconnect,omitempty"`
	Transactions Transactions `yaml:"transactions,omitempty"`
	Jobs         Jobs         `yaml:"jobs,omitempty"`
	Bootstrap    string       `yaml:"bootstrap,omitempty"` // "ignore" | "apply"
}

type Reconnect struct {
	Floor   time.Duration `yaml:"floor,omitempty"`
	Factor  float64       `yaml:"factor,omitempty"`
	Ceiling time.Duration `yaml:"ceiling,omitempty"`
}

type Transactions struct {
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
	// Timeout applies to requests issued from the CLI. Zero waits forever.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type Jobs struct {
	Retention time.Duration `yaml:"retention,omitempty"`
}

func Defaults() File {
	return File{
		Server: "http://localhost:3000",
		Reconnect: Reconnect{
			Floor:   1 * time.Second,
			Factor:  1.15,
			Ceiling: 10 * time.Second,
		},
		Transactions: Transactions{
			SweepInterval: 1 * time.Second,
			Timeout:       2 * time.Minute,
		},
		Jobs:      Jobs{Retention: 10 * time.Minute},
		Bootstrap: BootstrapIgnore,
	}
}

// WithDefaults fills every unset field from Defaults.
func (f File) WithDefaults() File {
	d := Defaults()
	if f.Server == "" {
		f.Server = d.Server
	}
	if f.Reconnect.Floor == 0 {
		f.Reconnect.Floor = d.Reconnect.Floor
	}
	if f.Reconnect.Factor == 0 {
		f.Reconnect.Factor = d.Reconnect.Factor
	}
	if f.Reconnect.Ceiling == 0 {
		f.Reconnect.Ceiling = d.Reconnect.Ceiling
	}
	if f.Transactions.SweepInterval == 0 {
		f.Transactions.SweepInterval = d.Transactions.SweepInterval
	}
	if f.Jobs.Retention == 0 {
		f.Jobs.Retention = d.Jobs.Retention
	}
	if f.Bootstrap == "" {
		f.Bootstrap = d.Bootstrap
	}
	return f
}

func (f File) Validate() error {
	if f.Server == "" {
		return errors.New("server is required")
	}
	if f.Reconnect.Factor != 0 && f.Reconnect.Factor < 1 {
		return errors.Errorf("reconnect.factor must be >= 1, got %v", f.Reconnect.Factor)
	}
	if f.Reconnect.Ceiling != 0 && f.Reconnect.Ceiling < f.Reconnect.Floor {
		return errors.New("reconnect.ceiling must not be below reconnect.floor")
	}
	if f.Transactions.Timeout < 0 || f.Transactions.SweepInterval < 0 || f.Jobs.Retention < 0 {
		return errors.New("durations must not be negative")
	}
	switch f.Bootstrap {
	case "", BootstrapIgnore, BootstrapApply:
	default:
		return errors.Errorf("unknown bootstrap policy %q", f.Bootstrap)
	}
	return nil
}

func DefaultPath(dir string) string {
	return filepath.Join(dir, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	if err := cfg.WithDefaults().Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}
