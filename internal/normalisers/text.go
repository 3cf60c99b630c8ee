package normalisers

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// PlaintextNormaliser handles plain text content.
type PlaintextNormaliser struct{}

func (n *PlaintextNormaliser) Normalise(content string, _ string) string {
	return strings.TrimSpace(normaliseLineEndings(content))
}

func (n *PlaintextNormaliser) SupportedTypes() []string {
	return []string{"text/plain", "*/*"}
}

func (n *PlaintextNormaliser) Priority() int {
	return 1
}

var (
	markdownHeading = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	markdownFence   = regexp.MustCompile("(?m)^```[^\n]*\n?")
)

// MarkdownNormaliser strips heading markers and code fences from Markdown.
type MarkdownNormaliser struct{}

func (n *MarkdownNormaliser) Normalise(content string, _ string) string {
	content = normaliseLineEndings(content)
	content = markdownFence.ReplaceAllString(content, "")
	content = markdownHeading.ReplaceAllString(content, "")
	return strings.TrimSpace(collapseBlankLines(content))
}

func (n *MarkdownNormaliser) SupportedTypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (n *MarkdownNormaliser) Priority() int {
	return 50
}

// HTMLNormaliser extracts visible text from HTML.
type HTMLNormaliser struct{}

// blockElements end a line of extracted text
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "pre": true,
}

func (n *HTMLNormaliser) Normalise(content string, _ string) string {
	z := html.NewTokenizer(strings.NewReader(content))

	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(collapseBlankLines(collapseSpaces(b.String())))
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && tt == html.StartTagToken {
				skip++
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func (n *HTMLNormaliser) SupportedTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (n *HTMLNormaliser) Priority() int {
	return 50
}

func normaliseLineEndings(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}

func collapseBlankLines(content string) string {
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}
	return content
}

// collapseSpaces squeezes runs of spaces and tabs and trims every line.
func collapseSpaces(content string) string {
	lines := strings.Split(normaliseLineEndings(content), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}
