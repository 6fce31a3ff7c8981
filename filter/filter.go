package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	Include []string
	Exclude []string
}

// Filter holds compiled regex patterns matched against source paths.
type Filter struct {
	includeMode bool
	excludeMode bool
	include     []*regexp.Regexp
	exclude     []*regexp.Regexp

	mu   sync.Mutex
	hits map[string]int
}

// Stats reports how often each pattern matched a path.
type Stats struct {
	IncludePatterns []string
	ExcludePatterns []string
	Hits            map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("compile include pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclude pattern: %w", err)
	}

	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode: len(include) > 0,
		excludeMode: len(exclude) > 0,
		include:     include,
		exclude:     exclude,
		hits:        make(map[string]int),
	}, nil
}

// Allows reports whether the source path passes the filter. Patterns see the
// path with forward slashes on every platform.
func (f *Filter) Allows(path string) bool {
	if f == nil {
		return true
	}
	text := filepath.ToSlash(path)

	if f.includeMode {
		return f.matchAny(f.include, text)
	}
	if f.excludeMode && f.matchAny(f.exclude, text) {
		return false
	}
	return true
}

// GetStats returns a copy of the pattern hit counters.
func (f *Filter) GetStats() Stats {
	if f == nil {
		return Stats{Hits: map[string]int{}}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	st := Stats{Hits: make(map[string]int, len(f.hits))}
	for _, re := range f.include {
		st.IncludePatterns = append(st.IncludePatterns, re.String())
	}
	for _, re := range f.exclude {
		st.ExcludePatterns = append(st.ExcludePatterns, re.String())
	}
	for k, v := range f.hits {
		st.Hits[k] = v
	}
	return st
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			f.mu.Lock()
			f.hits[re.String()]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}
