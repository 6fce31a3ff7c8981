// Package eml reads RFC 5322 / MIME messages into a flat, depth-first list of
// parts plus the envelope and body used for rendering.
package eml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/dhcgn/mail-extract/model"
)

const (
	typeRFC822    = "message/rfc822"
	typeTextPlain = "text/plain"
	typeTextHTML  = "text/html"
)

var ErrEmptyPart = errors.New("part has no payload")

// Message is a parsed MIME message.
type Message struct {
	Envelope model.Envelope
	Body     model.Body
	Parts    []*Part
	// Err is set when the entity tree could not be walked to the end. Parts
	// holds everything read before the failure.
	Err error
}

// Part is one leaf entity of the MIME tree. Multipart containers are not
// listed; their children are.
type Part struct {
	ContentType string
	Disposition string
	ContentID   string
	Filename    string
	// Charset is the declared charset of text parts. Data keeps the bytes
	// in that charset.
	Charset string
	Data    []byte
	Err     error
}

// Info returns the classifier input for the part.
func (p *Part) Info() model.PartInfo {
	return model.PartInfo{
		ContentType:  p.ContentType,
		Disposition:  p.Disposition,
		HasContentID: p.ContentID != "",
		Nested:       p.ContentType == typeRFC822,
	}
}

// Nested parses the part payload as an encapsulated message.
func (p *Part) Nested() (*Message, error) {
	if p.ContentType != typeRFC822 {
		return nil, fmt.Errorf("part %q is %s, not %s", p.Filename, p.ContentType, typeRFC822)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Data) == 0 {
		return nil, ErrEmptyPart
	}
	return Parse(bytes.NewReader(p.Data))
}

// Parse reads a message. Part data is transfer-decoded only; text parts keep
// their declared charset. The body text and HTML are converted to UTF-8 when
// the charset is known.
func Parse(r io.Reader) (*Message, error) {
	entity, err := message.Read(r)
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("read message header: %w", err)
	}

	m := &Message{Envelope: envelope(entity.Header)}
	walkErr := entity.Walk(func(_ []int, e *message.Entity, err error) error {
		if err != nil && !tolerable(err) {
			return err
		}
		if e.MultipartReader() != nil {
			return nil
		}
		part := newPart(e.Header)
		data, readErr := io.ReadAll(e.Body)
		if readErr != nil {
			part.Err = fmt.Errorf("decode %s part: %w", part.ContentType, readErr)
		}
		part.Data = data
		m.Parts = append(m.Parts, part)
		m.takeBody(part)
		return nil
	})
	if walkErr != nil {
		m.Err = fmt.Errorf("walk message: %w", walkErr)
	}
	return m, nil
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// takeBody keeps the first inline text/plain and text/html parts as the body.
func (m *Message) takeBody(p *Part) {
	if p.Disposition == "attachment" || p.Err != nil {
		return
	}
	switch p.ContentType {
	case typeTextPlain:
		if m.Body.Text == "" {
			m.Body.Text = string(toUTF8(p.Charset, p.Data))
		}
	case typeTextHTML:
		if m.Body.HTML == nil {
			m.Body.HTML = toUTF8(p.Charset, p.Data)
		}
	}
}

// toUTF8 converts b from the named charset. Unknown or undeclared charsets
// leave b as is.
func toUTF8(label string, b []byte) []byte {
	switch strings.ToLower(label) {
	case "", "utf-8", "utf8", "us-ascii":
		return b
	}
	enc, err := lookupCharset(label)
	if err != nil {
		return b
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return b
	}
	return out
}

func lookupCharset(label string) (encoding.Encoding, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	enc, err := ianaindex.MIME.Encoding(label)
	if enc == nil {
		enc, err = htmlindex.Get(label)
	}
	if enc == nil {
		if err == nil {
			err = errors.New("unsupported charset")
		}
		return nil, fmt.Errorf("charset %q: %w", label, err)
	}
	return enc, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := lookupCharset(label)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// decodeWords decodes RFC 2047 encoded words, returning s unchanged when it
// cannot.
func decodeWords(s string) string {
	d, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return d
}

func newPart(h message.Header) *Part {
	p := &Part{ContentType: typeTextPlain}
	if raw := h.Get("Content-Type"); raw != "" {
		if t, params, err := h.ContentType(); err == nil {
			p.ContentType = t
			p.Charset = params["charset"]
		} else {
			p.ContentType = mediaTypeOf(raw)
		}
	}
	if raw := h.Get("Content-Disposition"); raw != "" {
		if d, _, err := h.ContentDisposition(); err == nil {
			p.Disposition = d
		} else {
			p.Disposition = mediaTypeOf(raw)
		}
	}
	p.ContentID = strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")

	ah := mail.AttachmentHeader{Header: h}
	name, _ := ah.Filename()
	p.Filename = decodeWords(name)
	return p
}

// mediaTypeOf returns the lowercased value before any parameters.
func mediaTypeOf(raw string) string {
	v, _, _ := strings.Cut(raw, ";")
	return strings.ToLower(strings.TrimSpace(v))
}

func envelope(h message.Header) model.Envelope {
	text := func(key string) string {
		return strings.TrimSpace(decodeWords(h.Get(key)))
	}
	return model.Envelope{
		From:    text("From"),
		To:      text("To"),
		Cc:      text("Cc"),
		Bcc:     text("Bcc"),
		Subject: text("Subject"),
		Date:    strings.TrimSpace(h.Get("Date")),
	}
}
