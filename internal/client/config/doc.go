// Package config loads runtime configuration for the convertly CLI.
//
// Sources and precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. CONVERTLY_* environment variables (SERVER_URL, TOKEN, FORMAT, QUALITY,
//     OUTPUT_DIR, POLL_INTERVAL).
//  4. Command-line flags, which override everything else.
//
// # JSON schema
//
//	{
//	  "server_url": "http://127.0.0.1:8080",
//	  "format": "mp3",
//	  "quality": "high",
//	  "output_dir": "out",
//	  "poll_interval": "500ms"
//	}
package config
