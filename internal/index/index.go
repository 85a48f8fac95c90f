// Package index tokenizes segment text and projects transcripts into the
// positional postings the search engine evaluates queries against.
package index

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/factbase/internal/model"
)

// Field names a searchable attribute of a segment.
type Field string

const (
	FieldText    Field = "text"
	FieldTitle   Field = "title"
	FieldSpeaker Field = "speaker"
)

// Fields lists every indexed field.
var Fields = []Field{FieldText, FieldTitle, FieldSpeaker}

// ParseField resolves a query field name.
func ParseField(s string) (Field, bool) {
	switch Field(s) {
	case FieldText, FieldTitle, FieldSpeaker:
		return Field(s), true
	}
	return "", false
}

// SegmentRef identifies one segment across the corpus.
type SegmentRef struct {
	TranscriptID string
	Ordinal      int
}

// Posting is one token occurrence in one field of one segment. Title
// postings are repeated for every segment of the transcript so any field
// clause resolves directly to segment refs.
type Posting struct {
	Ref      SegmentRef
	Field    Field
	Token    string
	Position int
}

// Token is a normalized word with its byte span in the source text.
type Token struct {
	Term  string
	Start int
	End   int
}

func newFolder() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’'
}

// Tokenize splits s into case-folded, accent-stripped word tokens. An
// apostrophe between word characters joins them ("don't" -> "dont").
func Tokenize(s string) []Token {
	folder := newFolder()
	var out []Token
	start := -1
	var word []byte

	flush := func(end int) {
		if start < 0 {
			return
		}
		term, _, err := transform.String(folder, string(word))
		if err != nil {
			term = string(word)
		}
		if term != "" {
			out = append(out, Token{Term: term, Start: start, End: end})
		}
		start = -1
		word = word[:0]
	}

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case isWordRune(r):
			if start < 0 {
				start = i
			}
			word = utf8.AppendRune(word, r)
		case unicode.Is(unicode.Mn, r) && start >= 0:
			word = utf8.AppendRune(word, r)
		case isApostrophe(r) && start >= 0:
			next, _ := utf8.DecodeRuneInString(s[i+size:])
			if !isWordRune(next) {
				flush(i)
			}
		default:
			flush(i)
		}
		i += size
	}
	flush(len(s))
	return out
}

// Terms returns only the normalized terms of s.
func Terms(s string) []string {
	toks := Tokenize(s)
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.Term
	}
	return out
}

// Normalize folds a single query word the same way Tokenize folds text.
func Normalize(word string) string {
	terms := Terms(word)
	if len(terms) == 0 {
		return ""
	}
	return terms[0]
}

// Build projects every segment of t into postings for all fields.
func Build(t *model.Transcript) []Posting {
	title := Terms(t.Title)
	var out []Posting
	for _, seg := range t.Segments {
		ref := SegmentRef{TranscriptID: t.ID, Ordinal: seg.Ordinal}
		out = appendField(out, ref, FieldText, Terms(seg.Text))
		out = appendField(out, ref, FieldTitle, title)
		out = appendField(out, ref, FieldSpeaker, Terms(seg.SpeakerName))
	}
	return out
}

func appendField(out []Posting, ref SegmentRef, f Field, terms []string) []Posting {
	for pos, term := range terms {
		out = append(out, Posting{Ref: ref, Field: f, Token: term, Position: pos})
	}
	return out
}
