package model

// Role is the outcome of classifying one message part.
type Role int

const (
	RoleIgnored Role = iota
	RoleAttachment
	RoleInlineImage
	RoleEmbeddedImage
	RoleEmbeddedMessage
)

func (r Role) String() string {
	switch r {
	case RoleAttachment:
		return "attachment"
	case RoleInlineImage:
		return "inline_image"
	case RoleEmbeddedImage:
		return "embedded_image"
	case RoleEmbeddedMessage:
		return "embedded_message"
	default:
		return "ignored"
	}
}

// IsImage reports whether the role stores an image referenced from the body.
func (r Role) IsImage() bool {
	return r == RoleInlineImage || r == RoleEmbeddedImage
}

// PartInfo is the input of the part classifier.
type PartInfo struct {
	ContentType  string
	Disposition  string
	HasContentID bool
	Nested       bool
}

// PayloadKind tags what an attachment carries.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadBytes
	PayloadNested
)
