package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/convertly/internal/flagx"
	"github.com/dmitrijs2005/convertly/internal/timex"
)

// JsonConfig is the on-disk shape of the server config file. Durations use
// timex.Duration so both "5m" and integer nanoseconds are accepted. Only keys
// present in the file override the current values.
type JsonConfig struct {
	HTTPAddr            *string         `json:"http_addr"`
	DatabaseDSN         *string         `json:"database_dsn"`
	SecretKey           *string         `json:"secret_key"`
	JWKSURL             *string         `json:"jwks_url"`
	LogLevel            *string         `json:"log_level"`
	S3RootUser          *string         `json:"s3_root_user"`
	S3RootPassword      *string         `json:"s3_root_password"`
	S3Bucket            *string         `json:"s3_bucket"`
	S3Region            *string         `json:"s3_region"`
	S3BaseEndpoint      *string         `json:"s3_base_endpoint"`
	ScratchDir          *string         `json:"scratch_dir"`
	FFmpegPath          *string         `json:"ffmpeg_path"`
	FFprobePath         *string         `json:"ffprobe_path"`
	SyncUploadThreshold *int64          `json:"sync_upload_threshold"`
	MaxUploadSize       *int64          `json:"max_upload_size"`
	FreeDailyLimit      *int            `json:"free_daily_limit"`
	ProDailyLimit       *int            `json:"pro_daily_limit"`
	SignedURLTTL        *timex.Duration `json:"signed_url_ttl"`
	ZipTTL              *timex.Duration `json:"zip_ttl"`
	ZipDelivery         *string         `json:"zip_delivery"`
	UploadRetention     *timex.Duration `json:"upload_retention"`
	SweepInterval       *timex.Duration `json:"sweep_interval"`
	ScratchMaxAge       *timex.Duration `json:"scratch_max_age"`
	ShutdownTimeout     *timex.Duration `json:"shutdown_timeout"`
	ProgressBackend     *string         `json:"progress_backend"`
	ProgressTTL         *timex.Duration `json:"progress_ttl"`
	RedisAddr           *string         `json:"redis_addr"`
}

// parseJson loads the file named by -c/-config (if any) into config.
// An unreadable file or invalid JSON panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.JWKSURL, c.JWKSURL)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.ScratchDir, c.ScratchDir)
	setString(&config.FFmpegPath, c.FFmpegPath)
	setString(&config.FFprobePath, c.FFprobePath)
	setString(&config.ZipDelivery, c.ZipDelivery)
	setString(&config.ProgressBackend, c.ProgressBackend)
	setString(&config.RedisAddr, c.RedisAddr)

	if c.SyncUploadThreshold != nil {
		config.SyncUploadThreshold = *c.SyncUploadThreshold
	}
	if c.MaxUploadSize != nil {
		config.MaxUploadSize = *c.MaxUploadSize
	}
	if c.FreeDailyLimit != nil {
		config.FreeDailyLimit = *c.FreeDailyLimit
	}
	if c.ProDailyLimit != nil {
		config.ProDailyLimit = *c.ProDailyLimit
	}

	setDuration(&config.SignedURLTTL, c.SignedURLTTL)
	setDuration(&config.ZipTTL, c.ZipTTL)
	setDuration(&config.UploadRetention, c.UploadRetention)
	setDuration(&config.SweepInterval, c.SweepInterval)
	setDuration(&config.ScratchMaxAge, c.ScratchMaxAge)
	setDuration(&config.ShutdownTimeout, c.ShutdownTimeout)
	setDuration(&config.ProgressTTL, c.ProgressTTL)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
