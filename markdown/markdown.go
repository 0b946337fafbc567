// Package markdown renders the small markdown subset used in chat replies:
// fenced code blocks plus bold, italic and inline code spans.
package markdown

import (
	"regexp"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
)

// BlockKind distinguishes prose from fenced code.
type BlockKind int

const (
	TextBlock BlockKind = iota
	CodeBlock
)

// Block is one top-level piece of a reply.
type Block struct {
	Kind    BlockKind
	Content string
	Lang    string // code blocks only, may be empty
}

// SpanKind is the inline style of a Span.
type SpanKind int

const (
	Plain SpanKind = iota
	Bold
	Italic
	Code
)

// Span is a run of inline text with one style.
type Span struct {
	Kind SpanKind
	Text string
}

var (
	fencePattern  = regexp.MustCompile("```(\\w+)?\\n([\\s\\S]*?)```")
	inlinePattern = regexp.MustCompile("(\\*\\*[^*]+\\*\\*|\\*[^*]+\\*|`[^`]+`)")
)

// Parse splits raw into text and fenced code blocks, in order. Code block
// content has trailing whitespace removed. An unterminated fence is text.
func Parse(raw string) []Block {
	var blocks []Block
	last := 0
	for _, m := range fencePattern.FindAllStringSubmatchIndex(raw, -1) {
		if m[0] > last {
			blocks = append(blocks, Block{Kind: TextBlock, Content: raw[last:m[0]]})
		}
		b := Block{Kind: CodeBlock, Content: strings.TrimRight(raw[m[4]:m[5]], " \t\r\n")}
		if m[2] >= 0 {
			b.Lang = raw[m[2]:m[3]]
		}
		blocks = append(blocks, b)
		last = m[1]
	}
	if last < len(raw) {
		blocks = append(blocks, Block{Kind: TextBlock, Content: raw[last:]})
	}
	return blocks
}

// Inline splits text into styled spans.
func Inline(text string) []Span {
	var spans []Span
	last := 0
	for _, m := range inlinePattern.FindAllStringIndex(text, -1) {
		if m[0] > last {
			spans = append(spans, Span{Kind: Plain, Text: text[last:m[0]]})
		}
		tok := text[m[0]:m[1]]
		switch {
		case strings.HasPrefix(tok, "**"):
			spans = append(spans, Span{Kind: Bold, Text: tok[2 : len(tok)-2]})
		case strings.HasPrefix(tok, "*"):
			spans = append(spans, Span{Kind: Italic, Text: tok[1 : len(tok)-1]})
		default:
			spans = append(spans, Span{Kind: Code, Text: tok[1 : len(tok)-1]})
		}
		last = m[1]
	}
	if last < len(text) {
		spans = append(spans, Span{Kind: Plain, Text: text[last:]})
	}
	return spans
}

// Highlight returns code with ANSI syntax colors. The lexer is picked by
// lang, then by content analysis. On any failure the code is returned as is.
func Highlight(lang, code string) string {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

var (
	styleBold   = lipgloss.NewStyle().Bold(true)
	styleItalic = lipgloss.NewStyle().Italic(true)
	styleCode   = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("236"))
	styleLang = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Bold(true)
	styleCodeBlock = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// RenderInline styles the spans of text for a terminal.
func RenderInline(text string) string {
	var b strings.Builder
	for _, s := range Inline(text) {
		switch s.Kind {
		case Bold:
			b.WriteString(styleBold.Render(s.Text))
		case Italic:
			b.WriteString(styleItalic.Render(s.Text))
		case Code:
			b.WriteString(styleCode.Render(s.Text))
		default:
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// Render formats a whole reply for a terminal.
func Render(raw string) string {
	var parts []string
	for _, block := range Parse(raw) {
		switch block.Kind {
		case CodeBlock:
			body := Highlight(block.Lang, block.Content)
			if block.Lang != "" {
				body = styleLang.Render(block.Lang) + "\n" + body
			}
			parts = append(parts, styleCodeBlock.Render(body))
		default:
			text := strings.Trim(block.Content, "\n")
			if text == "" {
				continue
			}
			lines := strings.Split(text, "\n")
			for i, line := range lines {
				lines[i] = RenderInline(line)
			}
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(parts, "\n")
}
