// Package render builds the Markdown document written as EMAIL.md for every
// extracted message.
package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/mail-extract/model"
)

const (
	TitleEmail    = "Email Content"
	TitleEmbedded = "Embedded Email Content"

	// NoBody is written when a message has neither an HTML nor a text body.
	NoBody = "*No body content found*\n"
)

var errSkip = errors.New("stage not applicable")

// RenderError reports a body stage that failed and was replaced by a later one.
type RenderError struct {
	Stage string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

type stage struct {
	name string
	run  func() (string, error)
}

// Document renders the title, the header block and the body. Errors from
// stages that were replaced by a fallback are returned alongside the document;
// they are never fatal.
func Document(title string, env model.Envelope, body model.Body, conv Converter) (string, []error) {
	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(title)
	sb.WriteString("\n\n")
	sb.WriteString(Headers(env))
	sb.WriteString("## Body\n\n")

	text, errs := Body(body, conv)
	sb.WriteString(text)
	return sb.String(), errs
}

// Headers renders the header block; absent fields are omitted.
func Headers(env model.Envelope) string {
	fields := []struct {
		name  string
		value string
	}{
		{"From", env.From},
		{"To", env.To},
		{"Cc", env.Cc},
		{"Bcc", env.Bcc},
		{"Subject", env.Subject},
		{"Date", env.Date},
	}

	var sb strings.Builder
	sb.WriteString("## Headers\n\n")
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		fmt.Fprintf(&sb, "**%s:** %s\n\n", f.name, f.value)
	}
	return sb.String()
}

// Body runs the fallback chain: converted HTML, fenced raw HTML, plain text,
// and finally the placeholder.
func Body(body model.Body, conv Converter) (string, []error) {
	var html string
	if len(body.HTML) > 0 {
		html = DecodeHTML(body.HTML)
	}

	stages := []stage{
		{name: "html", run: func() (string, error) {
			if html == "" {
				return "", errSkip
			}
			if conv == nil {
				return "", errors.New("no html converter configured")
			}
			return conv.Convert(html)
		}},
		{name: "raw-html", run: func() (string, error) {
			if html == "" {
				return "", errSkip
			}
			return "```html\n" + html + "\n```\n", nil
		}},
		{name: "text", run: func() (string, error) {
			if body.Text == "" {
				return "", errSkip
			}
			return body.Text, nil
		}},
	}

	var errs []error
	for _, st := range stages {
		out, err := st.run()
		if err == nil {
			return out, errs
		}
		if !errors.Is(err, errSkip) {
			errs = append(errs, &RenderError{Stage: st.name, Err: err})
		}
	}
	return NoBody, errs
}
