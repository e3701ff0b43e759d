package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/convertly/internal/flagx"
)

var flagNames = []string{"-a", "-d", "-s", "-j", "-l", "-u", "-p", "-b", "-g", "-e", "-w", "-f", "-q", "-t", "-z", "-r"}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-j string   JWKS URL (switches bearer validation to RS256)
//	-l string   log level
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-w string   scratch directory
//	-f string   ffmpeg binary
//	-q int      free plan daily conversion limit
//	-t int      signed URL validity, minutes
//	-z string   zip delivery mode ("stream" or "url")
//	-r string   Redis address; also switches progress to the redis backend
//
// Only the flags listed above are parsed; os.Args is filtered with
// flagx.FilterArgs first so other components' flags do not collide.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], flagNames)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.JWKSURL, "j", config.JWKSURL, "JWKS URL")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.ScratchDir, "w", config.ScratchDir, "scratch directory")
	fs.StringVar(&config.FFmpegPath, "f", config.FFmpegPath, "ffmpeg binary")
	fs.IntVar(&config.FreeDailyLimit, "q", config.FreeDailyLimit, "free plan daily conversion limit")

	signedURLTTL := fs.Int("t", int(config.SignedURLTTL.Minutes()), "signed URL validity (in minutes)")

	fs.StringVar(&config.ZipDelivery, "z", config.ZipDelivery, "zip delivery mode: stream or url")

	redisAddr := fs.String("r", "", "redis address for the shared progress store")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SignedURLTTL = time.Duration(*signedURLTTL) * time.Minute

	if *redisAddr != "" {
		config.RedisAddr = *redisAddr
		config.ProgressBackend = ProgressRedis
	}
}
