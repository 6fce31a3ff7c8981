// Package classify decides what role a message part plays in an extraction.
package classify

import (
	"strings"

	"github.com/dhcgn/mail-extract/model"
)

const (
	DispositionAttachment = "attachment"
	DispositionInline     = "inline"

	messageRFC822 = "message/rfc822"
	imagePrefix   = "image/"
)

// Classify applies the ordered rules; the first match wins.
func Classify(info model.PartInfo) model.Role {
	contentType := normalize(info.ContentType)
	disposition := normalize(info.Disposition)
	isImage := strings.HasPrefix(contentType, imagePrefix)

	switch {
	case (info.Nested || contentType == messageRFC822) && disposition == DispositionAttachment:
		return model.RoleEmbeddedMessage
	case disposition == DispositionAttachment:
		return model.RoleAttachment
	case disposition == DispositionInline && isImage:
		return model.RoleInlineImage
	case isImage && info.HasContentID:
		return model.RoleEmbeddedImage
	default:
		return model.RoleIgnored
	}
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return strings.ToLower(s)
}
