package model

import (
	"path/filepath"
	"strings"
)

// Format identifies which container format a source file uses.
type Format int

const (
	FormatUnknown Format = iota
	FormatCompound
	FormatMIME
)

func (f Format) String() string {
	switch f {
	case FormatCompound:
		return "msg"
	case FormatMIME:
		return "eml"
	default:
		return "unknown"
	}
}

// FormatOf maps a file name to its container format by extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".msg":
		return FormatCompound
	case ".eml":
		return FormatMIME
	default:
		return FormatUnknown
	}
}

// Envelope holds the header fields rendered into EMAIL.md. Empty means absent.
type Envelope struct {
	From    string
	To      string
	Cc      string
	Bcc     string
	Subject string
	Date    string
}

// Body carries the message body. HTML stays raw because its charset is not always known.
type Body struct {
	HTML []byte
	Text string
}
