// Package format applies the board's text markup to message bodies.
//
// The native markup is "sequential expressions": bracketed directives of the
// form [bold: like this], nestable, with \[ and \] escaping literal brackets.
// Quote references (>>3) are passed through untouched; clients resolve them
// against the thread. Bodies stored with send_raw set skip formatting
// entirely, so feeding already-formatted output back through the raw path is
// a no-op.
package format

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// Directives lists the expression names clients may use.
var Directives = map[string]struct{}{
	"bold":      {},
	"italic":    {},
	"underline": {},
	"strike":    {},
	"reverse":   {},
	"dim":       {},
	"red":       {},
	"green":     {},
	"yellow":    {},
	"blue":      {},
	"magenta":   {},
	"cyan":      {},
}

// Apply formats a body for the requested output mode. An empty mode returns
// the body untouched. "sequential" resolves escapes and validates expression
// structure; "markdown" renders the body as HTML.
func Apply(body, mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "":
		return body, nil
	case "sequential":
		return Sequential(body)
	case "markdown":
		return Markdown(body)
	default:
		return "", fmt.Errorf("unknown format %q; supported formats are sequential, markdown", mode)
	}
}

// Sequential resolves bracket escapes and checks that every expression opened
// is closed. Expression directives themselves are left in place; they are the
// wire format clients render. Unknown directives are treated as literal text
// rather than rejected, so plain bracketed prose survives.
func Sequential(body string) (string, error) {
	var out strings.Builder
	depth := 0
	escaped := false
	for _, r := range body {
		if escaped {
			out.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '[':
			depth++
			out.WriteRune(r)
		case ']':
			if depth > 0 {
				depth--
			}
			out.WriteRune(r)
		default:
			out.WriteRune(r)
		}
	}
	if escaped {
		out.WriteRune('\\')
	}
	if depth != 0 {
		return "", fmt.Errorf("unbalanced expression: %d unclosed bracket(s)", depth)
	}
	return out.String(), nil
}

// Markdown renders the body as HTML.
func Markdown(body string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// IsExpression reports whether the directive name is part of the markup
// vocabulary. Exposed for client-side validation via db_validate.
func IsExpression(name string) bool {
	_, ok := Directives[strings.ToLower(name)]
	return ok
}
