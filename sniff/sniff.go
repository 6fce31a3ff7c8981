// Package sniff guesses file extensions from magic bytes and content types.
package sniff

import (
	"bytes"
	"mime"
	"strings"
)

// minLength is the number of leading bytes required before any match is tried.
const minLength = 4

type signature struct {
	prefix []byte
	ext    string
}

// Order matters where prefixes could overlap.
var signatures = []signature{
	{prefix: []byte("\x89PNG"), ext: ".png"},
	{prefix: []byte("\xff\xd8\xff"), ext: ".jpg"},
	{prefix: []byte("PK"), ext: ".zip"},
	{prefix: []byte("%PDF"), ext: ".pdf"},
	{prefix: []byte("GIF8"), ext: ".gif"},
	{prefix: []byte("\x00\x00\x01\x00"), ext: ".ico"},
}

// Extension returns the extension matching the payload's leading bytes, or
// an empty string when nothing matches or fewer than four bytes are given.
func Extension(data []byte) string {
	if len(data) < minLength {
		return ""
	}
	head := data[:minLength]
	for _, sig := range signatures {
		if bytes.HasPrefix(head, sig.prefix) {
			return sig.ext
		}
	}
	return ""
}

// preferred pins the extension for types where mime.ExtensionsByType returns
// several candidates in platform-dependent order.
var preferred = map[string]string{
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/bmp":                ".bmp",
	"image/webp":               ".webp",
	"image/svg+xml":            ".svg",
	"image/tiff":               ".tif",
	"image/x-icon":             ".ico",
	"image/vnd.microsoft.icon": ".ico",
	"text/plain":               ".txt",
	"text/html":                ".html",
	"text/csv":                 ".csv",
	"text/calendar":            ".ics",
	"application/pdf":          ".pdf",
	"application/zip":          ".zip",
	"application/json":         ".json",
	"application/xml":          ".xml",
	"application/msword":       ".doc",
	"application/vnd.ms-excel": ".xls",
	"message/rfc822":           ".eml",

	"application/vnd.ms-outlook": ".msg",

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
}

// ExtensionForType guesses an extension for a MIME content type.
func ExtensionForType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(contentType)
	}
	mediaType = strings.ToLower(mediaType)
	if mediaType == "" {
		return ""
	}

	if ext, ok := preferred[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
