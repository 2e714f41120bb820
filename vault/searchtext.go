package vault

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// searchableText concatenates the indexed body text for a message.
// HTML parts rendered to plain text are preferred over raw text/plain
// parts; the raw parts are the fallback when no HTML part renders any
// text.
func searchableText(texts []TextPart) string {
	var htmlOut, plainOut []string
	for _, t := range texts {
		switch t.ContentType {
		case "text/html":
			if s := collapseBlank(htmlText(t.Text)); s != "" {
				htmlOut = append(htmlOut, s)
			}
		case "text/plain":
			if s := collapseBlank(t.Text); s != "" {
				plainOut = append(plainOut, s)
			}
		}
	}
	if len(htmlOut) > 0 {
		return strings.Join(htmlOut, "\n\n")
	}
	return strings.Join(plainOut, "\n\n")
}

// htmlText strips markup from an HTML document, keeping block-level
// tags as line breaks. Script and style bodies are dropped.
func htmlText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	buf := new(strings.Builder)
	pendingNewlines := 0
	skipDepth := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return buf.String()
			}
			// A truncated document still yields whatever
			// text came before the error.
			return buf.String()
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			for pendingNewlines > 0 {
				buf.WriteByte('\n')
				pendingNewlines--
			}
			if buf.Len() > 0 && !strings.HasSuffix(buf.String(), "\n") {
				buf.WriteByte(' ')
			}
			buf.WriteString(text)
		case html.StartTagToken, html.SelfClosingTagToken:
			tn, _ := z.TagName()
			switch string(tn) {
			case "script", "style":
				if tt == html.StartTagToken {
					skipDepth++
				}
			case "p", "div", "br", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre":
				pendingNewlines++
			}
		case html.EndTagToken:
			tn, _ := z.TagName()
			switch string(tn) {
			case "script", "style":
				if skipDepth > 0 {
					skipDepth--
				}
			case "p", "div", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre":
				pendingNewlines++
			}
		}
	}
}

// collapseBlank trims trailing space from every line and squeezes
// runs of blank lines down to one.
func collapseBlank(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true // swallow leading blanks
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
