package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/rsxdalv/flash-attention/internal/combine"
)

// Config represents the flashcombine configuration file
// (~/.config/flashcombine/config.yaml). All fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	// Kernel
	BlockM       *int `yaml:"block_m"`
	HeadDim      *int `yaml:"head_dim"`
	LogMaxSplits *int `yaml:"log_max_splits"`
	Lanes        *int `yaml:"lanes"`
	AlignmentLSE *int `yaml:"alignment_lse"`
	Workers      *int `yaml:"workers"`
	CopyWorkers  *int `yaml:"copy_workers"`

	// Output
	DType     string `yaml:"dtype"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxConcurrent *int   `yaml:"max_concurrent"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "flashcombine", "config.yaml")
}

// LoadConfig reads the config file at path, or at the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyKernelConfig applies config file values to kernel settings whose flag
// was not given explicitly.
func applyKernelConfig(c *cli.Command, cfg Config, k *combine.Config) {
	set := func(flag string, v *int, dst *int) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	set("block-m", cfg.BlockM, &k.BlockM)
	set("head-dim", cfg.HeadDim, &k.HeadDim)
	set("log-max-splits", cfg.LogMaxSplits, &k.LogMaxSplits)
	set("lanes", cfg.Lanes, &k.Lanes)
	set("alignment-lse", cfg.AlignmentLSE, &k.AlignmentLSE)
	set("workers", cfg.Workers, &k.Workers)
	set("copy-workers", cfg.CopyWorkers, &k.CopyWorkers)
}

// applyLoggingConfig applies config file logging defaults.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxConcurrent *int) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		*maxConcurrent = *cfg.MaxConcurrent
	}
}

// applyDTypeConfig applies the configured output dtype.
func applyDTypeConfig(c *cli.Command, cfg Config, dtype *string) {
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = cfg.DType
	}
}
