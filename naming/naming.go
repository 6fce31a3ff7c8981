// Package naming turns arbitrary strings into safe file names and picks
// names that do not collide with existing directory entries.
package naming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxLength caps a sanitized name, counted in runes.
	MaxLength = 100
	// maxBytes keeps multi-byte names within common file system limits.
	maxBytes = 200

	fallbackName = "unnamed"
)

var (
	disallowed = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)
	underscore = regexp.MustCompile(`_+`)
)

// Sanitize replaces characters that are not allowed in file names, collapses
// underscore runs, trims, and caps the length. It never returns an empty name.
func Sanitize(name string) string {
	if name == "" {
		return fallbackName
	}
	name = strings.ToValidUTF8(name, "_")
	safe := disallowed.ReplaceAllString(name, "_")
	safe = underscore.ReplaceAllString(safe, "_")
	safe = strings.Trim(safe, "_ ")

	if utf8.RuneCountInString(safe) > MaxLength {
		safe = string([]rune(safe)[:MaxLength])
	}
	for len(safe) > maxBytes {
		_, size := utf8.DecodeLastRuneInString(safe)
		safe = safe[:len(safe)-size]
	}

	switch safe {
	case "", ".", "..":
		return fallbackName
	}
	return safe
}

// SplitExt splits a name into stem and extension. A name that starts with
// its only dot has no extension.
func SplitExt(name string) (stem, ext string) {
	ext = filepath.Ext(name)
	if ext == name {
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// HasExt reports whether name carries a file extension.
func HasExt(name string) bool {
	_, ext := SplitExt(name)
	return ext != "" && ext != "."
}

// Unique returns name, or name_1.ext, name_2.ext and so on, whichever is the
// first that does not exist in dir.
func Unique(dir, name string) string {
	candidate := name
	stem, ext := SplitExt(name)
	for counter := 1; exists(filepath.Join(dir, candidate)); counter++ {
		candidate = fmt.Sprintf("%s_%d%s", stem, counter, ext)
	}
	return candidate
}

// WriteUnique writes data under a name derived from name that did not exist
// before the call. It returns the name actually used.
func WriteUnique(dir, name string, data []byte) (string, error) {
	for {
		candidate := Unique(dir, name)
		file, err := os.OpenFile(filepath.Join(dir, candidate), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			// lost a race against another writer, try the next name
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}

		_, writeErr := file.Write(data)
		closeErr := file.Close()
		if writeErr != nil {
			return candidate, fmt.Errorf("write %s: %w", candidate, writeErr)
		}
		if closeErr != nil {
			return candidate, fmt.Errorf("close %s: %w", candidate, closeErr)
		}
		return candidate, nil
	}
}

// MkdirUnique creates a new directory named after name inside dir and returns
// the name actually used.
func MkdirUnique(dir, name string) (string, error) {
	for {
		candidate := Unique(dir, name)
		err := os.Mkdir(filepath.Join(dir, candidate), 0o755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("mkdir %s: %w", candidate, err)
		}
		return candidate, nil
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
