// Package filex manages the local scratch area: directory setup, safe file
// names, atomic writes and age-based cleanup.
package filex

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const maxFilenameLength = 200

var (
	unsafeChars      = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	repeatUnderscore = regexp.MustCompile(`_+`)
)

// EnsureDir creates dir (and parents) if missing and returns its absolute path.
// Relative paths resolve against the working directory.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("empty directory path")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}

	return abs, nil
}

// SanitizeFilename reduces name to its base and replaces anything outside
// [a-zA-Z0-9._-] with underscores. The result is never empty and never a
// relative path element.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	s := unsafeChars.ReplaceAllString(base, "_")
	s = repeatUnderscore.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")

	if len(s) > maxFilenameLength {
		ext := filepath.Ext(s)
		if len(ext) >= maxFilenameLength {
			s = s[:maxFilenameLength]
		} else {
			s = s[:maxFilenameLength-len(ext)] + ext
		}
	}

	if s == "" {
		return fmt.Sprintf("file_%d", time.Now().UnixNano())
	}
	return s
}

// WriteFileAtomic streams write's output into a temp file beside path and
// renames it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, write func(w io.Writer) error) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(err error) (int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, err
	}

	if err := write(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp: %w", err))
	}
	info, err := tmp.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename temp: %w", err)
	}

	return info.Size(), nil
}

// CleanupOldFiles removes regular files in dir whose modification time is
// older than maxAge. A missing directory is not an error.
func CleanupOldFiles(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var errs []error
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	return removed, errors.Join(errs...)
}

// RemoveQuiet deletes path, treating "already gone" as success.
func RemoveQuiet(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
