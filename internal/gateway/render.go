// ABOUTME: Markdown rendering of message content for API responses
// ABOUTME: Uses goldmark with raw HTML omitted so user content cannot inject markup

package gateway

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// renderer turns message content into an HTML preview. Stored content is
// never modified; the preview is computed per response.
type renderer struct {
	md goldmark.Markdown
}

func newRenderer() *renderer {
	return &renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
			// Without html.WithUnsafe raw HTML in content is omitted.
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// render returns the HTML for content, or "" when conversion fails.
func (r *renderer) render(content string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(content), &buf); err != nil {
		return ""
	}
	return buf.String()
}
