package render

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"strings"

	"github.com/lalithlochan/dripmail/internal/db"
)

// Block types
const (
	BlockHeader    = "header"
	BlockText      = "text"
	BlockLink      = "link"
	BlockImage     = "image"
	BlockSeparator = "separator"
	BlockFooter    = "footer"
)

//go:embed templates/email.html
var templateFS embed.FS

// The layout uses [[ ]] actions so merge tags like {{address}} written in
// the layout pass through untouched.
var emailTemplate = template.Must(
	template.New("email.html").Delims("[[", "]]").ParseFS(templateFS, "templates/email.html"),
)

var defaultStyle = db.Style{
	BackgroundColor: "#f4f4f5",
	ContentColor:    "#ffffff",
	TextColor:       "#18181b",
	LinkColor:       "#2563eb",
	FontFamily:      "Helvetica, Arial, sans-serif",
	Width:           "600px",
}

type documentView struct {
	Title  string
	Style  db.Style
	Blocks []blockView
}

type blockView struct {
	Type            string
	Align           string
	Text            string
	Subtitle        string
	Paragraphs      []string
	Href            template.HTMLAttr
	Button          bool
	Src             string
	Alt             string
	Width           string
	Height          string
	LinkColor       string
	ShowAddress     bool
	ShowUnsubscribe bool
	UnsubscribeText string
}

// RenderContent renders structured content to an HTML document. Blocks of
// an unknown type are skipped.
func RenderContent(title string, content db.Content) (string, error) {
	style := withDefaults(content.Style)

	view := documentView{
		Title:  title,
		Style:  style,
		Blocks: make([]blockView, 0, len(content.Content)),
	}
	for _, b := range content.Content {
		if bv, ok := viewBlock(b, style); ok {
			view.Blocks = append(view.Blocks, bv)
		}
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("execute email template: %w", err)
	}
	return buf.String(), nil
}

func withDefaults(s db.Style) db.Style {
	if s.BackgroundColor == "" {
		s.BackgroundColor = defaultStyle.BackgroundColor
	}
	if s.ContentColor == "" {
		s.ContentColor = defaultStyle.ContentColor
	}
	if s.TextColor == "" {
		s.TextColor = defaultStyle.TextColor
	}
	if s.LinkColor == "" {
		s.LinkColor = defaultStyle.LinkColor
	}
	if s.FontFamily == "" {
		s.FontFamily = defaultStyle.FontFamily
	}
	if s.Width == "" {
		s.Width = defaultStyle.Width
	}
	return s
}

func viewBlock(b db.Block, style db.Style) (blockView, bool) {
	s := settings(b.Settings)
	bv := blockView{
		Type:      b.BlockType,
		Align:     s.align(),
		LinkColor: style.LinkColor,
	}

	switch b.BlockType {
	case BlockHeader:
		bv.Text = s.str("title", "")
		bv.Subtitle = s.str("subtitle", "")
	case BlockText:
		bv.Paragraphs = paragraphs(s.str("content", ""))
	case BlockLink:
		bv.Text = s.str("text", s.str("url", ""))
		bv.Href = hrefAttr(s.str("url", ""))
		bv.Button = s.boolean("isButton", false)
	case BlockImage:
		bv.Src = s.str("src", "")
		bv.Alt = s.str("alt", "")
		bv.Width = s.str("width", "100%")
		bv.Height = s.str("height", "auto")
	case BlockSeparator:
	case BlockFooter:
		bv.Text = s.str("text", "")
		bv.ShowAddress = s.boolean("showAddress", true)
		bv.ShowUnsubscribe = s.boolean("showUnsubscribeLink", true)
		bv.UnsubscribeText = s.str("unsubscribeText", "Unsubscribe")
	default:
		return blockView{}, false
	}

	return bv, true
}

// hrefAttr emits the link target as a raw attribute so that merge tags in
// it are not URL-encoded by the template escaper.
func hrefAttr(u string) template.HTMLAttr {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(strings.ToLower(u), "javascript:") {
		u = "#"
	}
	return template.HTMLAttr(`href="` + html.EscapeString(u) + `"`)
}

func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type settings map[string]interface{}

func (s settings) str(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (s settings) boolean(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

func (s settings) align() string {
	switch a := s.str("alignment", "left"); a {
	case "left", "center", "right":
		return a
	default:
		return "left"
	}
}
