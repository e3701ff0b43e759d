package config

import (
	"os"
	"time"
)

// Config holds runtime settings for the convertly CLI.
//
// Fields:
//   - ServerURL: base URL of the convertly HTTP API.
//   - Token: bearer token; prompted for on a terminal when empty.
//   - Format / Quality: conversion target and preset.
//   - OutputDir: where downloaded results are written.
//   - PollInterval: how often upload status and job progress are polled.
//   - Zip: download all results as one archive instead of one by one.
//   - Files: local files to convert, taken from positional arguments.
type Config struct {
	ServerURL    string
	Token        string
	Format       string
	Quality      string
	OutputDir    string
	PollInterval time.Duration
	Zip          bool
	Files        []string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.Format = "webp"
	c.Quality = "medium"
	c.OutputDir = "."
	c.PollInterval = time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present), the environment and command-line flags. Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	if err := parseEnv(cfg, nil); err != nil {
		panic(err)
	}
	parseFlags(cfg, os.Args[1:])
	return cfg
}
