package model

import "fmt"

// Result describes one extraction call.
type Result struct {
	Folder   string
	Items    int
	Cached   bool
	Files    []string
	Failures []ItemError
}

// ItemError records a single part that could not be extracted.
type ItemError struct {
	Scope string
	Name  string
	Err   error
}

func (e ItemError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s/%s: %v", e.Scope, e.Name, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// Job is one source file queued for extraction.
type Job struct {
	Path string
}

// Outcome wraps a job alongside its result or the error that stopped it.
type Outcome struct {
	Job    Job
	Result Result
	Err    error
}
