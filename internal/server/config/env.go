package config

import "github.com/dmitrijs2005/convertly/internal/flagx"

const envPrefix = "CONVERTLY_"

// parseEnv overlays CONVERTLY_* variables. A nil lookup reads the process
// environment.
func parseEnv(config *Config, lookup func(string) (string, bool)) error {
	src := flagx.NewEnvSource(envPrefix)
	if lookup != nil {
		src.Lookup = lookup
	}

	src.String(&config.HTTPAddr, "HTTP_ADDR")
	src.String(&config.DatabaseDSN, "DATABASE_DSN")
	src.String(&config.SecretKey, "SECRET_KEY")
	src.String(&config.JWKSURL, "JWKS_URL")
	src.String(&config.LogLevel, "LOG_LEVEL")
	src.String(&config.S3RootUser, "S3_ROOT_USER")
	src.String(&config.S3RootPassword, "S3_ROOT_PASSWORD")
	src.String(&config.S3Bucket, "S3_BUCKET")
	src.String(&config.S3Region, "S3_REGION")
	src.String(&config.S3BaseEndpoint, "S3_BASE_ENDPOINT")
	src.String(&config.ScratchDir, "SCRATCH_DIR")
	src.String(&config.FFmpegPath, "FFMPEG_PATH")
	src.String(&config.FFprobePath, "FFPROBE_PATH")
	src.Int64(&config.SyncUploadThreshold, "SYNC_UPLOAD_THRESHOLD")
	src.Int64(&config.MaxUploadSize, "MAX_UPLOAD_SIZE")
	src.Int(&config.FreeDailyLimit, "FREE_DAILY_LIMIT")
	src.Int(&config.ProDailyLimit, "PRO_DAILY_LIMIT")
	src.Duration(&config.SignedURLTTL, "SIGNED_URL_TTL")
	src.Duration(&config.ZipTTL, "ZIP_TTL")
	src.String(&config.ZipDelivery, "ZIP_DELIVERY")
	src.Duration(&config.UploadRetention, "UPLOAD_RETENTION")
	src.Duration(&config.SweepInterval, "SWEEP_INTERVAL")
	src.Duration(&config.ScratchMaxAge, "SCRATCH_MAX_AGE")
	src.Duration(&config.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	src.String(&config.ProgressBackend, "PROGRESS_BACKEND")
	src.Duration(&config.ProgressTTL, "PROGRESS_TTL")
	src.String(&config.RedisAddr, "REDIS_ADDR")

	return src.Err
}
