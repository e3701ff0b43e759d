package flagx

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvSource overlays values from environment variables sharing a prefix.
// Unset or empty variables leave the destination untouched. The first
// parse failure is kept in Err so callers can report it once.
type EnvSource struct {
	Prefix string
	Lookup func(string) (string, bool)
	Err    error
}

// NewEnvSource reads from the process environment.
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{Prefix: prefix, Lookup: os.LookupEnv}
}

func (e *EnvSource) value(name string) (string, bool) {
	v, ok := e.Lookup(e.Prefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *EnvSource) fail(name string, err error) {
	if e.Err == nil {
		e.Err = fmt.Errorf("env %s%s: %w", e.Prefix, name, err)
	}
}

func (e *EnvSource) String(dst *string, name string) {
	if v, ok := e.value(name); ok {
		*dst = v
	}
}

func (e *EnvSource) Int(dst *int, name string) {
	if v, ok := e.value(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *EnvSource) Int64(dst *int64, name string) {
	if v, ok := e.value(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *EnvSource) Duration(dst *time.Duration, name string) {
	if v, ok := e.value(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}
