package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractTxtPassthrough(t *testing.T) {
	t.Parallel()
	got, err := Extract("notes.txt", []byte("plain text\nwith lines"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "plain text\nwith lines" {
		t.Errorf("Extract = %q", got)
	}
}

func TestExtractTxtDropsInvalidUTF8(t *testing.T) {
	t.Parallel()
	got, err := Extract("notes.txt", []byte{'o', 'k', 0xff, 0xfe, '!'})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "ok!" {
		t.Errorf("Extract = %q, want invalid bytes dropped", got)
	}
}

func TestExtractMarkdownStripsFormatting(t *testing.T) {
	t.Parallel()
	md := "# Title\n\nSome **bold** text and a [link](https://example.com).\n\n- one\n- two\n"
	got, err := Extract("doc.md", []byte(md))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, want := range []string{"Title", "bold", "link", "one", "two"} {
		if !strings.Contains(got, want) {
			t.Errorf("extracted text missing %q: %q", want, got)
		}
	}
	for _, markup := range []string{"#", "**", "<", "["} {
		if strings.Contains(got, markup) {
			t.Errorf("extracted text still contains markup %q: %q", markup, got)
		}
	}
}

func TestExtractHTML(t *testing.T) {
	t.Parallel()
	page := `<html><head><style>body { color: red }</style>
<script>alert("x")</script></head>
<body><h1>Heading</h1><p>A paragraph.</p></body></html>`
	got, err := Extract("page.html", []byte(page))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(got, "Heading") || !strings.Contains(got, "A paragraph.") {
		t.Errorf("extracted text missing body content: %q", got)
	}
	if strings.Contains(got, "alert") || strings.Contains(got, "color") {
		t.Errorf("script/style leaked into text: %q", got)
	}
}

func TestExtractHtmExtension(t *testing.T) {
	t.Parallel()
	got, err := Extract("PAGE.HTM", []byte("<p>upper case extension</p>"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "upper case extension" {
		t.Errorf("Extract = %q", got)
	}
}

func TestExtractUnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := Extract("report.pdf", []byte("%PDF-1.4"))
	var unsupported *UnsupportedTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("error = %v, want *UnsupportedTypeError", err)
	}
	if unsupported.Ext != ".pdf" {
		t.Errorf("Ext = %q, want .pdf", unsupported.Ext)
	}
}

func TestExtractNoExtension(t *testing.T) {
	t.Parallel()
	if _, err := Extract("README", []byte("text")); err == nil {
		t.Fatal("want error for missing extension")
	}
}
