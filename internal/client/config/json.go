package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/convertly/internal/flagx"
	"github.com/dmitrijs2005/convertly/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Intervals
// may be strings like "500ms" or integer nanoseconds. Absent fields keep
// their current values.
type JsonConfig struct {
	ServerURL    string         `json:"server_url"`
	Token        string         `json:"token"`
	Format       string         `json:"format"`
	Quality      string         `json:"quality"`
	OutputDir    string         `json:"output_dir"`
	PollInterval timex.Duration `json:"poll_interval"`
}

// parseJson overlays Config with values loaded from the file named by -c or
// -config. It panics on read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ServerURL, jc.ServerURL)
	setString(&cfg.Token, jc.Token)
	setString(&cfg.Format, jc.Format)
	setString(&cfg.Quality, jc.Quality)
	setString(&cfg.OutputDir, jc.OutputDir)
	if jc.PollInterval.Duration > 0 {
		cfg.PollInterval = jc.PollInterval.Duration
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
