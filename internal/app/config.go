package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ManifestPath string // hcl run manifest

	LogFormat   string
	LogLevel    string
	Concurrency int    // 0 keeps the manifest value
	RunID       string // generated when empty
	ResumeFrom  string // checkpoint id or "latest"
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ManifestPath == "" {
		return nil, errors.New("ManifestPath is a required configuration field and cannot be empty")
	}
	if cfg.ResumeFrom != "" && cfg.RunID == "" {
		return nil, errors.New("ResumeFrom requires RunID to identify the run being resumed")
	}

	return &cfg, nil
}
