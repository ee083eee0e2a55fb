// Package extract turns uploaded files into plain text for indexing.
//
// Supported formats: .txt (passed through), .md (rendered with goldmark, then
// stripped of markup), and .html/.htm (stripped of markup). Anything else is
// rejected with an [UnsupportedTypeError].
package extract

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// UnsupportedTypeError reports a file extension the extractor cannot handle.
type UnsupportedTypeError struct {
	Ext string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("extract: unsupported file type %q", e.Ext)
}

// Extract converts the named file's bytes to plain text. The format is chosen
// by the filename extension, case-insensitively.
func Extract(filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt":
		// Invalid byte sequences are dropped rather than failing the upload.
		return strings.ToValidUTF8(string(data), ""), nil
	case ".md":
		var rendered bytes.Buffer
		if err := goldmark.Convert(data, &rendered); err != nil {
			return "", fmt.Errorf("extract: render markdown: %w", err)
		}
		return stripMarkup(rendered.Bytes())
	case ".html", ".htm":
		return stripMarkup(data)
	default:
		return "", &UnsupportedTypeError{Ext: ext}
	}
}

// stripMarkup parses HTML and returns the visible text, block by block.
// script and style bodies are excluded.
func stripMarkup(data []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("extract: parse html: %w", err)
	}

	var blocks []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				blocks = append(blocks, text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return strings.Join(blocks, "\n"), nil
}
