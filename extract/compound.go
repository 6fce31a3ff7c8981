package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dhcgn/mail-extract/classify"
	"github.com/dhcgn/mail-extract/model"
	"github.com/dhcgn/mail-extract/msg"
	"github.com/dhcgn/mail-extract/naming"
	"github.com/dhcgn/mail-extract/render"
	"github.com/dhcgn/mail-extract/sniff"
)

const embeddedSuffix = "_embedded"

// compound writes EMAIL.md for m into dir, then every attachment in table
// order. Embedded messages recurse into their own folder.
func (x *Extractor) compound(logger *slog.Logger, dir, scope, title string, m *msg.Message) level {
	var lvl level
	if err := x.writeDocument(logger, dir, title, m.Envelope, m.Body); err != nil {
		lvl.fail(scope, DocumentName, err)
	}

	for i, att := range m.Attachments {
		name := attachmentName(att, i+1)
		kind := att.Kind()
		if kind == model.PayloadNone {
			logger.Warn("attachment has no payload, skipping", "name", name)
			continue
		}

		role := classify.Classify(model.PartInfo{
			ContentType: att.MIMEType,
			Disposition: classify.DispositionAttachment,
			Nested:      kind == model.PayloadNested,
		})

		switch role {
		case model.RoleEmbeddedMessage:
			folder, child, err := x.embeddedCompound(logger, dir, scope, name, att.Embedded)
			if err != nil {
				logger.Warn("attachment failed", "name", name, "role", role.String(), "err", err)
				lvl.fail(scope, name, err)
				continue
			}
			logger.Info("embedded message", "name", name, "folder", folder, "items", child.items)
			lvl.mergeFailures(child)
			lvl.items++
		case model.RoleAttachment:
			saved, err := saveCompound(dir, name, att)
			if err != nil {
				logger.Warn("attachment failed", "name", name, "role", role.String(), "err", err)
				lvl.fail(scope, name, err)
				continue
			}
			attrs := []any{"name", saved, "bytes", len(att.Data)}
			if att.ContentID != "" {
				attrs = append(attrs, "content_id", att.ContentID)
			}
			logger.Info("saved attachment", attrs...)
			lvl.items++
		}
	}
	return lvl
}

func (x *Extractor) embeddedCompound(logger *slog.Logger, dir, scope, name string, m *msg.Message) (string, level, error) {
	base := naming.Sanitize(trimMessageExt(name))
	folder, err := naming.MkdirUnique(dir, base+embeddedSuffix)
	if err != nil {
		return "", level{}, err
	}
	childScope := path.Join(scope, folder)
	child := x.compound(logger.With("embedded", childScope), filepath.Join(dir, folder), childScope, render.TitleEmbedded, m)
	return folder, child, nil
}

// attachmentName picks the long name, then the short name, then a synthesized
// attachment_<index> with a sniffed extension.
func attachmentName(att *msg.Attachment, index int) string {
	if att.LongName != "" {
		return att.LongName
	}
	if att.ShortName != "" {
		return att.ShortName
	}
	if att.Embedded != nil && att.DisplayName != "" {
		return att.DisplayName
	}
	return fmt.Sprintf("attachment_%d%s", index, sniff.Extension(att.Data))
}

// saveCompound tries the native save under the raw, deduplicated name and
// falls back to a sanitized name that keeps the original suffix.
func saveCompound(dir, name string, att *msg.Attachment) (string, error) {
	saved, nativeErr := att.Save(dir, naming.Unique(dir, name))
	if nativeErr == nil {
		return saved, nil
	}

	saved, err := naming.WriteUnique(dir, sanitizeKeepExt(name), att.Data)
	if err != nil {
		return "", errors.Join(nativeErr, err)
	}
	return saved, nil
}

// sanitizeKeepExt sanitizes name and re-appends its suffix when sanitizing
// truncated it away.
func sanitizeKeepExt(name string) string {
	safe := naming.Sanitize(name)
	_, ext := naming.SplitExt(name)
	if ext == "" || strings.HasSuffix(safe, ext) || naming.Sanitize(ext) != ext {
		return safe
	}

	keep := naming.MaxLength - utf8.RuneCountInString(ext)
	if keep < 1 {
		return safe
	}
	stem := []rune(safe)
	if len(stem) > keep {
		stem = stem[:keep]
	}
	return naming.Sanitize(string(stem) + ext)
}

func trimMessageExt(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".msg", ".eml"} {
		if strings.HasSuffix(lower, ext) && len(name) > len(ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
