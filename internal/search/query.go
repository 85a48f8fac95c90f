// Package search parses boolean/phrase/prefix/field-scoped queries and
// evaluates them against the segment index.
//
// Grammar: clauses separated by whitespace are ANDed. A clause is a bare
// term, a "quoted phrase", a term* prefix, or field:value / field:"phrase"
// with field one of text, title, speaker. NOT negates the next clause and
// AND is an explicit synonym for adjacency. AND and NOT are always
// operators in bare form; quote them to search for the words themselves.
// There is no OR and no grouping.
package search

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sells-group/factbase/internal/index"
)

// QuerySyntaxError reports an unparseable query with the offending fragment.
type QuerySyntaxError struct {
	Fragment string `json:"fragment"`
	Pos      int    `json:"pos"`
	Msg      string `json:"message"`
}

func (e *QuerySyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at %d (%q): %s", e.Pos, e.Fragment, e.Msg)
}

// Clause is one match condition. Terms are normalized tokens that must occur
// at adjacent positions; a single term is a plain term match.
type Clause struct {
	Field   index.Field // empty selects by text, boosted by title and speaker
	Terms   []string
	Prefix  bool // the last term matches as a prefix
	Negated bool
	// Exact requires the whole field to equal Terms. Set for quoted speaker
	// phrases, which name one speaker rather than words in a label.
	Exact bool
	Raw   string
}

// Query is a parsed search expression.
type Query struct {
	Clauses []Clause
}

// Positive returns the non-negated clauses.
func (q *Query) Positive() []Clause {
	var out []Clause
	for _, c := range q.Clauses {
		if !c.Negated {
			out = append(out, c)
		}
	}
	return out
}

// Negative returns the negated clauses.
func (q *Query) Negative() []Clause {
	var out []Clause
	for _, c := range q.Clauses {
		if c.Negated {
			out = append(out, c)
		}
	}
	return out
}

// Empty reports whether the query has no clauses at all.
func (q *Query) Empty() bool {
	return len(q.Clauses) == 0
}

type parser struct {
	src     string
	pos     int
	clauses []Clause

	negate    bool
	negatePos int
	andPos    int // position of a pending explicit AND, or -1
}

// Parse parses s. An empty or whitespace-only s yields an empty Query.
func Parse(s string) (*Query, error) {
	p := &parser{src: s, andPos: -1}
	if err := p.run(); err != nil {
		return nil, err
	}
	return &Query{Clauses: p.clauses}, nil
}

func (p *parser) errorf(pos int, fragment, format string, args ...any) error {
	return &QuerySyntaxError{Fragment: fragment, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) run() error {
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			break
		}
		start := p.pos

		if p.src[p.pos] == '"' {
			phrase, err := p.quoted()
			if err != nil {
				return err
			}
			p.add(Clause{Terms: index.Terms(phrase), Raw: p.src[start:p.pos]})
			continue
		}

		word := p.word()
		switch strings.ToUpper(word) {
		case "AND":
			if len(p.clauses) == 0 && !p.negate {
				return p.errorf(start, word, "AND needs a clause on its left")
			}
			if p.negate {
				return p.errorf(start, word, "AND cannot follow NOT")
			}
			if p.andPos >= 0 {
				return p.errorf(start, word, "repeated AND")
			}
			p.andPos = start
			continue
		case "NOT":
			if p.negate {
				return p.errorf(start, word, "repeated NOT")
			}
			p.negate = true
			p.negatePos = start
			continue
		}

		if err := p.fieldOrTerm(start, word); err != nil {
			return err
		}
	}

	if p.negate {
		return p.errorf(p.negatePos, p.src[p.negatePos:], "NOT must be followed by a clause")
	}
	if p.andPos >= 0 {
		return p.errorf(p.andPos, p.src[p.andPos:], "AND needs a clause on its right")
	}
	return nil
}

// word reads up to whitespace or an opening quote.
func (p *parser) word() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '"' || unicode.IsSpace(rune(c)) {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

// quoted reads a "..." phrase starting at the current quote.
func (p *parser) quoted() (string, error) {
	start := p.pos
	end := strings.IndexByte(p.src[start+1:], '"')
	if end < 0 {
		return "", p.errorf(start, p.src[start:], "unterminated quote")
	}
	p.pos = start + 1 + end + 1
	return p.src[start+1 : start+1+end], nil
}

func isFieldName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func (p *parser) fieldOrTerm(start int, word string) error {
	i := strings.IndexByte(word, ':')
	if i <= 0 || !isFieldName(word[:i]) {
		return p.term(start, "", word)
	}

	name, value := word[:i], word[i+1:]
	field, ok := index.ParseField(strings.ToLower(name))
	if !ok {
		return p.errorf(start, word, "unknown field %q (want text, title or speaker)", name)
	}

	if value != "" {
		return p.term(start, field, value)
	}
	if p.pos < len(p.src) && p.src[p.pos] == '"' {
		phrase, err := p.quoted()
		if err != nil {
			return err
		}
		terms := index.Terms(phrase)
		if len(terms) == 0 {
			return p.errorf(start, p.src[start:p.pos], "empty phrase for field %s", field)
		}
		p.add(Clause{
			Field: field,
			Terms: terms,
			Exact: field == index.FieldSpeaker,
			Raw:   p.src[start:p.pos],
		})
		return nil
	}
	return p.errorf(start, word, "missing value for field %s", field)
}

func (p *parser) term(start int, field index.Field, value string) error {
	prefix := strings.HasSuffix(value, "*")
	terms := index.Terms(strings.TrimRight(value, "*"))
	if len(terms) == 0 {
		if prefix {
			return p.errorf(start, p.src[start:p.pos], "prefix needs at least one character")
		}
		// Punctuation-only words match nothing and constrain nothing.
		p.negate = false
		p.andPos = -1
		return nil
	}
	p.add(Clause{Field: field, Terms: terms, Prefix: prefix, Raw: p.src[start:p.pos]})
	return nil
}

func (p *parser) add(c Clause) {
	if len(c.Terms) == 0 {
		p.negate = false
		p.andPos = -1
		return
	}
	c.Negated = p.negate
	p.negate = false
	p.andPos = -1
	p.clauses = append(p.clauses, c)
}
