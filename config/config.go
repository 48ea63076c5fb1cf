package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Table struct {
		Path string `yaml:"path"`
	} `yaml:"table"`

	Storage struct {
		Backend string `yaml:"backend"` // "s3" or "file"
		Bucket  string `yaml:"bucket"`
		Prefix  string `yaml:"prefix"`
		Region  string `yaml:"region"`
	} `yaml:"storage"`

	Commit struct {
		MaxAttempts            int  `yaml:"max_attempts"`
		MaxVersionRaceAttempts int  `yaml:"max_version_race_attempts"`
		BackoffBaseMs          int  `yaml:"backoff_base_ms"`
		BackoffCapMs           int  `yaml:"backoff_cap_ms"`
		SkipDuplicateFileCheck bool `yaml:"skip_duplicate_file_check"`
	} `yaml:"commit"`

	Checkpoint struct {
		Interval         int64  `yaml:"interval"`
		PartSize         int    `yaml:"part_size"`
		FailHard         bool   `yaml:"fail_hard"`
		VerifyMode       string `yaml:"verify_mode"` // "off", "warn", "fatal"
		MaxEmbeddedFiles int    `yaml:"max_embedded_files"`
	} `yaml:"checkpoint"`

	Snapshot struct {
		MaxCheckpointRetries int  `yaml:"max_checkpoint_retries"`
		DisableChecksumLoad  bool `yaml:"disable_checksum_load"`
	} `yaml:"snapshot"`

	Conflict struct {
		WidenNonDeterministic bool `yaml:"widen_non_deterministic"`
	} `yaml:"conflict"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	switch cfg.Checkpoint.VerifyMode {
	case "", "off", "warn", "fatal":
	default:
		return nil, fmt.Errorf("unknown checkpoint verify_mode %q", cfg.Checkpoint.VerifyMode)
	}

	return &cfg, nil
}
