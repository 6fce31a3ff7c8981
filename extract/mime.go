package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mail-extract/classify"
	"github.com/dhcgn/mail-extract/eml"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/naming"
	"github.com/dhcgn/mail-extract/render"
	"github.com/dhcgn/mail-extract/sniff"
)

var errNoPayload = errors.New("part has no payload")

// mimeCounters feed the synthesized names of one folder. attachments also
// counts embedded messages.
type mimeCounters struct {
	attachments int
	inline      int
}

// mime writes EMAIL.md for m into dir, then walks its parts through the
// classifier. Nested messages recurse into their own folder.
func (x *Extractor) mime(logger *slog.Logger, dir, scope, title string, m *eml.Message) level {
	var lvl level
	if err := x.writeDocument(logger, dir, title, m.Envelope, m.Body); err != nil {
		lvl.fail(scope, DocumentName, err)
	}
	if m.Err != nil {
		logger.Warn("message structure truncated", "err", m.Err)
		lvl.fail(scope, "message structure", m.Err)
	}

	var n mimeCounters
	for _, part := range m.Parts {
		role := classify.Classify(part.Info())
		switch role {
		case model.RoleIgnored:
			continue
		case model.RoleEmbeddedMessage:
			folder, child, err := x.embeddedMIME(logger, dir, scope, part, n.attachments+1)
			if err != nil {
				logger.Warn("attachment failed", "name", part.Filename, "role", role.String(), "err", err)
				lvl.fail(scope, partLabel(part, role), err)
				continue
			}
			logger.Info("embedded message", "folder", folder, "items", child.items)
			lvl.mergeFailures(child)
			n.attachments++
			lvl.items++
		default:
			saved, err := savePart(dir, part, role, n)
			if errors.Is(err, errNoPayload) {
				logger.Debug("part has no payload, skipping", "role", role.String(), "content_type", part.ContentType)
				continue
			}
			if err != nil {
				logger.Warn("attachment failed", "name", part.Filename, "role", role.String(), "err", err)
				lvl.fail(scope, partLabel(part, role), err)
				continue
			}
			if role.IsImage() {
				n.inline++
				logger.Info("saved inline image", "name", saved, "role", role.String(), "bytes", len(part.Data))
			} else {
				n.attachments++
				logger.Info("saved attachment", "name", saved, "bytes", len(part.Data))
			}
			lvl.items++
		}
	}
	return lvl
}

func (x *Extractor) embeddedMIME(logger *slog.Logger, dir, scope string, part *eml.Part, ordinal int) (string, level, error) {
	nested, err := part.Nested()
	if err != nil {
		return "", level{}, fmt.Errorf("parse embedded message: %w", err)
	}

	base := nested.Envelope.Subject
	if strings.TrimSpace(base) == "" {
		base = fmt.Sprintf("embedded_message_%d", ordinal)
	}
	folder, err := naming.MkdirUnique(dir, naming.Sanitize(base)+embeddedSuffix)
	if err != nil {
		return "", level{}, err
	}
	childScope := path.Join(scope, folder)
	child := x.mime(logger.With("embedded", childScope), filepath.Join(dir, folder), childScope, render.TitleEmbedded, nested)
	return folder, child, nil
}

func savePart(dir string, part *eml.Part, role model.Role, n mimeCounters) (string, error) {
	if part.Err != nil {
		return "", part.Err
	}
	if len(part.Data) == 0 {
		return "", errNoPayload
	}

	name := part.Filename
	if name == "" {
		name = synthesizeName(part, role, n)
	}
	if !naming.HasExt(name) {
		name += sniff.Extension(part.Data)
	}
	return naming.WriteUnique(dir, naming.Sanitize(name), part.Data)
}

// synthesizeName names a part that came without a file name.
func synthesizeName(part *eml.Part, role model.Role, n mimeCounters) string {
	ext := sniff.ExtensionForType(part.ContentType)
	switch {
	case role == model.RoleAttachment:
		return fmt.Sprintf("attachment_%d%s", n.attachments+1, ext)
	case part.ContentID != "":
		id := strings.NewReplacer("@", "_at_", ".", "_").Replace(part.ContentID)
		return "inline_" + id + ext
	default:
		return fmt.Sprintf("inline_image_%d%s", n.inline+1, ext)
	}
}

func partLabel(part *eml.Part, role model.Role) string {
	if part.Filename != "" {
		return part.Filename
	}
	return role.String()
}
