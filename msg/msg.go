// Package msg reads Outlook .msg files: OLE compound documents whose streams
// hold MAPI properties for a message, its recipients and its attachments.
package msg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/naming"
)

var (
	ErrNotMessage = errors.New("compound file holds no message properties")
	ErrUnsafeName = errors.New("attachment name is not a safe file name")
	ErrNoPayload  = errors.New("attachment has no data")
)

// Message is a parsed compound-document message.
type Message struct {
	Envelope    model.Envelope
	Body        model.Body
	Attachments []*Attachment
}

// Attachment is one entry of a message's attachment table. Exactly one of
// Data and Embedded is set for a usable attachment.
type Attachment struct {
	LongName    string
	ShortName   string
	DisplayName string
	MIMEType    string
	ContentID   string
	Data        []byte
	Embedded    *Message
}

// Kind reports whether the attachment carries bytes or a nested message.
func (a *Attachment) Kind() model.PayloadKind {
	switch {
	case a.Embedded != nil:
		return model.PayloadNested
	case len(a.Data) > 0:
		return model.PayloadBytes
	default:
		return model.PayloadNone
	}
}

// Save writes the attachment data to dir under exactly name. It refuses names
// that would need sanitizing and never replaces an existing file.
func (a *Attachment) Save(dir, name string) (string, error) {
	if a.Kind() != model.PayloadBytes {
		return "", ErrNoPayload
	}
	if name == "" || naming.Sanitize(name) != name {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}

	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create attachment: %w", err)
	}
	if _, err := file.Write(a.Data); err != nil {
		file.Close()
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close attachment: %w", err)
	}
	return name, nil
}
