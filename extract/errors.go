package extract

import (
	"errors"

	"github.com/dhcgn/mail-extract/model"
)

var (
	ErrNotFound          = errors.New("source file not found")
	ErrUnsupportedFormat = errors.New("unsupported email format, want .msg or .eml")
	ErrOutsideRoot       = errors.New("source is outside the allowed root")
)

// level accumulates what one folder of an extraction produced. Items counts
// entries written at this level only; failures from nested levels are merged.
type level struct {
	items    int
	failures []model.ItemError
}

func (l *level) fail(scope, name string, err error) {
	l.failures = append(l.failures, model.ItemError{Scope: scope, Name: name, Err: err})
}

func (l *level) mergeFailures(child level) {
	l.failures = append(l.failures, child.failures...)
}
