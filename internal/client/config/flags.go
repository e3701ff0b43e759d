package config

import (
	"flag"
	"time"
)

// parseFlags populates Config from command-line flags; the remaining
// positional arguments are the files to convert.
//
// Supported flags (short forms):
//
//	-a string   base URL of the server
//	-t string   bearer token
//	-f string   target format
//	-q string   quality preset (low, medium, high)
//	-o string   output directory
//	-i int      poll interval in milliseconds
//	-zip        download results as one archive
//	-c, -config JSON config file (read by parseJson)
func parseFlags(cfg *Config, args []string) {
	fs := flag.NewFlagSet("convertly", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the server")
	fs.StringVar(&cfg.Token, "t", cfg.Token, "bearer token")
	fs.StringVar(&cfg.Format, "f", cfg.Format, "target format")
	fs.StringVar(&cfg.Quality, "q", cfg.Quality, "quality preset (low, medium, high)")
	fs.StringVar(&cfg.OutputDir, "o", cfg.OutputDir, "output directory")
	pollInterval := fs.Int("i", int(cfg.PollInterval.Milliseconds()), "poll interval (in milliseconds)")
	fs.BoolVar(&cfg.Zip, "zip", cfg.Zip, "download results as one zip archive")
	fs.String("c", "", "JSON config file")
	fs.String("config", "", "JSON config file")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.PollInterval = time.Duration(*pollInterval) * time.Millisecond
	cfg.Files = fs.Args()
}
