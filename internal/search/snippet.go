package search

import (
	"html"
	"strings"

	"github.com/sells-group/factbase/internal/index"
)

// snippetRadius is the number of tokens kept either side of the first
// highlighted token.
const snippetRadius = 12

// highlight knows which text tokens a query matched.
type highlight struct {
	terms    map[string]bool
	prefixes []string
}

// highlighter collects the terms of clauses that can match body text.
func highlighter(clauses []Clause) *highlight {
	h := &highlight{terms: make(map[string]bool)}
	for _, c := range clauses {
		if c.Field != "" && c.Field != index.FieldText {
			continue
		}
		for i, t := range c.Terms {
			if c.Prefix && i == len(c.Terms)-1 {
				h.prefixes = append(h.prefixes, t)
				continue
			}
			h.terms[t] = true
		}
	}
	return h
}

func (h *highlight) match(term string) bool {
	if h.terms[term] {
		return true
	}
	for _, p := range h.prefixes {
		if strings.HasPrefix(term, p) {
			return true
		}
	}
	return false
}

// snippet returns an HTML-escaped window of text around the first matched
// token, with matches wrapped in <mark>. Text matched only through title or
// speaker yields the opening window.
func (h *highlight) snippet(text string) string {
	toks := index.Tokenize(text)
	if len(toks) == 0 {
		return html.EscapeString(text)
	}

	first := 0
	for i, t := range toks {
		if h.match(t.Term) {
			first = i
			break
		}
	}
	lo := max(first-snippetRadius, 0)
	hi := min(first+snippetRadius+1, len(toks))

	var b strings.Builder
	if lo > 0 {
		b.WriteString("… ")
	}
	cursor := toks[lo].Start
	for _, t := range toks[lo:hi] {
		b.WriteString(html.EscapeString(text[cursor:t.Start]))
		word := html.EscapeString(text[t.Start:t.End])
		if h.match(t.Term) {
			b.WriteString("<mark>" + word + "</mark>")
		} else {
			b.WriteString(word)
		}
		cursor = t.End
	}
	if hi < len(toks) {
		b.WriteString(" …")
	} else {
		b.WriteString(html.EscapeString(text[cursor:]))
	}
	return b.String()
}
