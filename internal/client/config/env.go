package config

import "github.com/dmitrijs2005/convertly/internal/flagx"

const envPrefix = "CONVERTLY_"

// parseEnv overlays CONVERTLY_* variables. A nil lookup reads the process
// environment.
func parseEnv(cfg *Config, lookup func(string) (string, bool)) error {
	src := flagx.NewEnvSource(envPrefix)
	if lookup != nil {
		src.Lookup = lookup
	}

	src.String(&cfg.ServerURL, "SERVER_URL")
	src.String(&cfg.Token, "TOKEN")
	src.String(&cfg.Format, "FORMAT")
	src.String(&cfg.Quality, "QUALITY")
	src.String(&cfg.OutputDir, "OUTPUT_DIR")
	src.Duration(&cfg.PollInterval, "POLL_INTERVAL")

	return src.Err
}
