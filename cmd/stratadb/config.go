package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stratadb/strata-core/pkg/wal"
)

// fileConfig is the on-disk shape of an optional --config file, for
// operators who'd rather check a file into their deploy than remember flag
// spelling. dataDir, logLevel and logJSON supply defaults for the --data-dir,
// --log-level and --log-json flags, and a flag passed on the command line
// always wins over the file. durability, batchInterval, batchSize and
// maxSegmentSize have no flag: the file is their only source.
type fileConfig struct {
	DataDir        string `yaml:"dataDir,omitempty"`
	Durability     string `yaml:"durability,omitempty"` // strict|batched|async
	BatchInterval  string `yaml:"batchInterval,omitempty"`
	BatchSize      int    `yaml:"batchSize,omitempty"`
	MaxSegmentSize int64  `yaml:"maxSegmentSize,omitempty"`
	LogLevel       string `yaml:"logLevel,omitempty"`
	LogJSON        bool   `yaml:"logJSON,omitempty"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func (c fileConfig) durability() (wal.Durability, error) {
	switch c.Durability {
	case "", "strict":
		return wal.Strict(), nil
	case "async":
		interval, err := c.batchInterval()
		if err != nil {
			return wal.Durability{}, err
		}
		return wal.Async(interval), nil
	case "batched":
		interval, err := c.batchInterval()
		if err != nil {
			return wal.Durability{}, err
		}
		return wal.Batched(interval, c.BatchSize), nil
	default:
		return wal.Durability{}, fmt.Errorf("unknown durability mode %q", c.Durability)
	}
}

func (c fileConfig) batchInterval() (time.Duration, error) {
	if c.BatchInterval == "" {
		return 100 * time.Millisecond, nil
	}
	return time.ParseDuration(c.BatchInterval)
}

// applyFlagDefaults merges a loaded fileConfig into cmd's flags, setting
// each flag's value only where the operator hasn't already passed it on the
// command line, so explicit flags keep the final say.
func applyFlagDefaults(cmd *cobra.Command, cfg fileConfig) error {
	set := func(name, value string) error {
		if value == "" || cmd.Flags().Changed(name) {
			return nil
		}
		return cmd.Flags().Set(name, value)
	}
	if err := set("data-dir", cfg.DataDir); err != nil {
		return err
	}
	if err := set("log-level", cfg.LogLevel); err != nil {
		return err
	}
	if cfg.LogJSON && !cmd.Flags().Changed("log-json") {
		if err := cmd.Flags().Set("log-json", "true"); err != nil {
			return err
		}
	}
	return nil
}
