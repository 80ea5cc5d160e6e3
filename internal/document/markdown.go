// Package document splits markdown papers into sections and renders the
// section views the analyzer prompts use.
package document

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// overviewFirstLine bounds the first-line preview in Overview.
const overviewFirstLine = 200

// Section is a heading and the text below it up to the next heading.
type Section struct {
	Header    string
	Level     int
	Content   string
	CharCount int
}

// Parser extracts sections from markdown.
type Parser struct {
	markdown goldmark.Markdown
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{markdown: goldmark.New()}
}

// Sections splits text at top-level headings of any level. Text before the
// first heading is dropped, as are blank lines. Headings inside code blocks
// or block quotes do not start sections.
func (p *Parser) Sections(source []byte) []Section {
	doc := p.markdown.Parser().Parse(text.NewReader(source))

	type mark struct {
		header    string
		level     int
		lineStart int
		bodyStart int
	}
	var marks []mark
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Lines().Len() == 0 {
			continue
		}
		first := heading.Lines().At(0)
		last := heading.Lines().At(heading.Lines().Len() - 1)
		start := lineStart(source, first.Start)
		body := lineEnd(source, last.Stop)
		if !isATX(source[start:]) {
			// Setext heading: skip the underline.
			body = lineEnd(source, body)
		}
		marks = append(marks, mark{
			header:    headingText(heading, source),
			level:     heading.Level,
			lineStart: start,
			bodyStart: body,
		})
	}

	sections := make([]Section, 0, len(marks))
	for i, m := range marks {
		end := len(source)
		if i+1 < len(marks) {
			end = marks[i+1].lineStart
		}
		content := ""
		if m.bodyStart < end {
			content = dropBlankLines(string(source[m.bodyStart:end]))
		}
		sections = append(sections, Section{
			Header:    m.header,
			Level:     m.level,
			Content:   content,
			CharCount: utf8.RuneCountInString(content),
		})
	}
	return sections
}

// Sections parses text with a default Parser.
func Sections(source string) []Section {
	return NewParser().Sections([]byte(source))
}

// Overview lists sections with their 1-based index, header, first line and
// size.
func Overview(sections []Section) string {
	var sb strings.Builder
	sb.WriteString("<items>\n")
	for i, s := range sections {
		first, _, _ := strings.Cut(s.Content, "\n")
		first = strings.TrimSpace(first)
		if utf8.RuneCountInString(first) > overviewFirstLine {
			first = string([]rune(first)[:overviewFirstLine])
		}
		sb.WriteString("  <item>\n")
		fmt.Fprintf(&sb, "    <index>%d</index>\n", i+1)
		fmt.Fprintf(&sb, "    <header>%s</header>\n", s.Header)
		fmt.Fprintf(&sb, "    <first_line>%s</first_line>\n", first)
		fmt.Fprintf(&sb, "    <char_count>%d</char_count>\n", s.CharCount)
		sb.WriteString("  </item>\n")
	}
	sb.WriteString("</items>")
	return sb.String()
}

// Selected renders the sections at the given 1-based indices in the order
// given. Out-of-range indices are ignored.
func Selected(sections []Section, indices []int) string {
	var parts []string
	for _, idx := range indices {
		if idx < 1 || idx > len(sections) {
			continue
		}
		s := sections[idx-1]
		parts = append(parts, fmt.Sprintf("<section>\n<header>%s</header>\n<content>%s</content>\n</section>", s.Header, s.Content))
	}
	return strings.Join(parts, "\n")
}

func headingText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

func lineStart(source []byte, pos int) int {
	if i := bytes.LastIndexByte(source[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

func lineEnd(source []byte, pos int) int {
	if pos >= len(source) {
		return len(source)
	}
	if i := bytes.IndexByte(source[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(source)
}

func isATX(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, " "), []byte("#"))
}

func dropBlankLines(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, strings.TrimRight(line, "\r"))
		}
	}
	return strings.Join(kept, "\n")
}
