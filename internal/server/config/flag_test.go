package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all short flags",
			args: []string{"cmd",
				"-a", "127.0.0.1:9090", "-d", "db", "-s", "secret", "-j", "http://idp/jwks",
				"-l", "debug", "-u", "user", "-p", "password", "-b", "bucket", "-g", "us-west-1",
				"-e", "http://endpoint", "-w", "/tmp/scratch", "-f", "/usr/bin/ffmpeg",
				"-q", "20", "-t", "15", "-z", "url", "-r", "redis:6379",
			},
			expected: &Config{
				HTTPAddr:        "127.0.0.1:9090",
				DatabaseDSN:     "db",
				SecretKey:       "secret",
				JWKSURL:         "http://idp/jwks",
				LogLevel:        "debug",
				S3RootUser:      "user",
				S3RootPassword:  "password",
				S3Bucket:        "bucket",
				S3Region:        "us-west-1",
				S3BaseEndpoint:  "http://endpoint",
				ScratchDir:      "/tmp/scratch",
				FFmpegPath:      "/usr/bin/ffmpeg",
				FreeDailyLimit:  20,
				SignedURLTTL:    15 * time.Minute,
				ZipDelivery:     "url",
				RedisAddr:       "redis:6379",
				ProgressBackend: ProgressRedis,
			},
		},
		{
			name:     "unknown flags are filtered out",
			args:     []string{"cmd", "-x", "1", "-t", "2"},
			expected: &Config{SignedURLTTL: 2 * time.Minute},
		},
		{
			name:        "bad int panics",
			args:        []string{"cmd", "-q", "many"},
			expectPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			config := &Config{}

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(config) })
				return
			}

			require.NotPanics(t, func() { parseFlags(config) })
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}
