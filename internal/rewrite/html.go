package rewrite

import (
	"bytes"
	"io"

	"golang.org/x/net/html"
)

// Tags whose text content must pass through byte for byte.
var rawTextTags = map[string]struct{}{
	"pre":      {},
	"script":   {},
	"style":    {},
	"textarea": {},
}

// OptimizeHTML strips comments and collapses whitespace runs in text
// outside pre/script/style/textarea. If the document cannot be tokenized it
// is returned unmodified; serving the original is always safe.
func OptimizeHTML(src []byte) []byte {
	z := html.NewTokenizer(bytes.NewReader(src))
	var out bytes.Buffer
	out.Grow(len(src))

	rawDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return out.Bytes()
			}
			return src
		case html.CommentToken:
			// Dropped.
		case html.TextToken:
			raw := z.Raw()
			if rawDepth > 0 {
				out.Write(raw)
			} else {
				writeCollapsed(&out, raw)
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			if _, ok := rawTextTags[string(name)]; ok {
				rawDepth++
			}
			out.Write(z.Raw())
		case html.EndTagToken:
			name, _ := z.TagName()
			if _, ok := rawTextTags[string(name)]; ok && rawDepth > 0 {
				rawDepth--
			}
			out.Write(z.Raw())
		default:
			out.Write(z.Raw())
		}
	}
}

func isHTMLSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

// writeCollapsed copies text with every whitespace run reduced to a single
// space.
func writeCollapsed(out *bytes.Buffer, text []byte) {
	inSpace := false
	for _, b := range text {
		if isHTMLSpace(b) {
			inSpace = true
			continue
		}
		if inSpace {
			out.WriteByte(' ')
			inSpace = false
		}
		out.WriteByte(b)
	}
	if inSpace {
		out.WriteByte(' ')
	}
}
