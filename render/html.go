package render

import (
	"bytes"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
)

// Converter turns an HTML document into Markdown.
type Converter interface {
	Convert(html string) (string, error)
}

// HTMLConverter converts HTML with html-to-markdown.
type HTMLConverter struct {
	conv *md.Converter
}

func NewHTMLConverter() *HTMLConverter {
	return &HTMLConverter{conv: md.NewConverter("", true, nil)}
}

func (c *HTMLConverter) Convert(html string) (string, error) {
	return c.conv.ConvertString(html)
}

// Bytes that cp1252 leaves undefined; their presence rules that charset out.
var cp1252Undefined = []byte{0x81, 0x8d, 0x8f, 0x90, 0x9d}

// DecodeHTML turns HTML bytes into a string trying iso-2022-jp, utf-8,
// windows-1252 and latin1 in that order. iso-2022-jp is 7-bit and so also
// valid utf-8; it is recognized by its escape sequences.
func DecodeHTML(b []byte) string {
	if isISO2022JP(b) {
		if s, ok := decodeWith(japanese.ISO2022JP, b); ok {
			return s
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	if !hasAnyByte(b, cp1252Undefined) {
		if s, ok := decodeWith(charmap.Windows1252, b); ok {
			return s
		}
	}
	s, _ := decodeWith(charmap.ISO8859_1, b)
	return s
}

var iso2022JPEscapes = [][]byte{[]byte("\x1b$B"), []byte("\x1b$@"), []byte("\x1b(J")}

// isISO2022JP reports whether b is 7-bit data that switches into a JIS
// character set.
func isISO2022JP(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	for _, esc := range iso2022JPEscapes {
		if bytes.Contains(b, esc) {
			return true
		}
	}
	return false
}

// hasAnyByte compares raw bytes; bytes.ContainsAny works on runes.
func hasAnyByte(b, set []byte) bool {
	for _, c := range b {
		if bytes.IndexByte(set, c) >= 0 {
			return true
		}
	}
	return false
}

func decodeWith(enc encoding.Encoding, b []byte) (string, bool) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
		return string(out), false
	}
	return string(out), true
}
