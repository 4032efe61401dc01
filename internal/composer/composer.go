// Package composer resolves the outbound payload for a variant.
//
// Resolution order: a custom message overrides template text, and an image
// reference switches the payload from plain text to image+caption.
package composer

import (
	"splitsend/internal/domain"
	"splitsend/internal/provider/waha"
	"splitsend/internal/store"
	"splitsend/internal/util"
)

type Kind int

const (
	KindText Kind = iota
	KindImage
)

// Content is the resolved payload for one variant, computed once per batch.
type Content struct {
	Kind    Kind
	Text    string
	Image   waha.File
	Caption string
}

// Resolve picks the variant's sendable content. It returns
// domain.ErrNoContent when the variant carries neither template text, a
// custom message, nor an image.
func Resolve(v store.Variant) (Content, error) {
	text := v.TemplateText
	if v.MessageText != "" {
		text = v.MessageText
	}

	if v.ImageURL != "" {
		return Content{
			Kind: KindImage,
			Image: waha.File{
				Mimetype: v.ImageMimetype,
				URL:      v.ImageURL,
				Filename: v.ImageFilename,
			},
			Caption: text,
		}, nil
	}

	if text == "" {
		return Content{}, domain.ErrNoContent
	}
	return Content{Kind: KindText, Text: text}, nil
}

// Personalize renders per-recipient placeholders into the outbound text.
func Personalize(text string, r store.Recipient) string {
	if text == "" {
		return text
	}
	return util.RenderTemplate(text, map[string]string{
		"name":  r.Name,
		"phone": r.Phone,
	})
}
