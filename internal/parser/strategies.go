package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// --- factbase-blocks ---

// blockSelectors are tried in order; the first that matches anything defines
// the segment blocks.
var blockSelectors = []string{
	"[data-start]",
	".transcript-segment",
	".transcript-line",
	".segment",
}

const (
	speakerSel = "[data-speaker], .speaker-name, .speaker-label, .speaker"
	timeSel    = ".timestamp, .time, .timecode, time"
	textSel    = ".segment-text, .transcript-text, .text"
)

// extractBlocks reads structured segment markup: one element per segment
// carrying its speaker, timecode and text in child elements or attributes.
func extractBlocks(root *goquery.Selection) []RawSegment {
	var blocks *goquery.Selection
	for _, sel := range blockSelectors {
		if found := root.Find(sel); found.Length() > 0 {
			blocks = found
			break
		}
	}
	if blocks == nil {
		return nil
	}

	var out []RawSegment
	blocks.Each(func(_ int, b *goquery.Selection) {
		var seg RawSegment

		if name, ok := b.Attr("data-speaker"); ok {
			seg.Speaker = name
		} else {
			sp := b.Find(speakerSel).First()
			if v, ok := sp.Attr("data-speaker"); ok && v != "" {
				seg.Speaker = v
			} else {
				seg.Speaker = sp.Text()
			}
		}

		start, hasStart := b.Attr("data-start")
		if hasStart {
			seg.Start, _ = ParseClock(start)
			if end, ok := b.Attr("data-end"); ok {
				if v, ok := ParseClock(end); ok {
					seg.End = &v
				}
			}
		} else if tc := strings.TrimSpace(b.Find(timeSel).First().Text()); tc != "" {
			if tr, ok := ParseTimestampRange(tc); ok {
				seg.Start, seg.End, seg.Duration = tr.Start, tr.End, tr.Duration
			} else {
				// Unparseable time keeps the text with start 0.
				seg.Start, _ = ParseClock(tc)
			}
		}

		if txt := b.Find(textSel); txt.Length() > 0 {
			seg.Text = txt.Text()
		} else {
			rest := b.Clone()
			rest.Find(speakerSel + ", " + timeSel).Remove()
			seg.Text = rest.Text()
		}
		out = append(out, seg)
	})
	return out
}

// --- timestamp-lines ---

var blockTags = map[string]bool{
	"address": true, "article": true, "blockquote": true, "br": true, "dd": true,
	"div": true, "dl": true, "dt": true, "figcaption": true, "figure": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"hr": true, "li": true, "main": true, "ol": true, "p": true, "pre": true,
	"section": true, "table": true, "td": true, "th": true, "tr": true, "ul": true,
}

// lines flattens the document into visual lines: text runs split at block
// element boundaries, whitespace collapsed.
func lines(root *goquery.Selection) []string {
	var out []string
	var buf strings.Builder
	flush := func() {
		if t := normalizeSpace(buf.String()); t != "" {
			out = append(out, t)
		}
		buf.Reset()
	}

	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			name := goquery.NodeName(c)
			switch {
			case name == "#text":
				buf.WriteString(c.Text())
			case blockTags[name]:
				flush()
				walk(c)
				flush()
			default:
				walk(c)
			}
		})
	}
	walk(root)
	flush()
	return out
}

// timestampLine parses a line that opens a segment: a timestamp optionally
// preceded by a speaker label. rest is the text after the timestamp.
func timestampLine(line string) (tr TimeRange, speaker, rest string, ok bool) {
	tr, ok = ParseTimestampRange(line)
	if !ok {
		return tr, "", "", false
	}
	before := strings.TrimRight(strings.TrimSpace(line[:tr.Span[0]]), ":-–— ")
	if before != "" && !looksLikeName(before) {
		return tr, "", "", false
	}
	rest = strings.TrimLeft(line[tr.Span[1]:], " :-–—")
	return tr, before, rest, true
}

// extractTimestampLines scans the page text for "HH:MM:SS[-HH:MM:SS] (N sec)"
// prefixes. A name-like line directly above a timestamp is its speaker.
func extractTimestampLines(root *goquery.Selection) []RawSegment {
	ls := lines(root)

	var out []RawSegment
	var cur *RawSegment
	pending := ""
	for i, line := range ls {
		if tr, speaker, rest, ok := timestampLine(line); ok {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &RawSegment{Start: tr.Start, End: tr.End, Duration: tr.Duration, Speaker: speaker}
			if cur.Speaker == "" {
				cur.Speaker = pending
			}
			pending = ""
			if cur.Speaker == "" {
				if name, text, ok := splitSpeaker(rest); ok {
					cur.Speaker, rest = name, text
				}
			}
			cur.Text = rest
			continue
		}

		if i+1 < len(ls) && looksLikeName(line) {
			if _, _, _, next := timestampLine(ls[i+1]); next {
				pending = line
				continue
			}
		}
		if cur != nil {
			cur.Text = joinText(cur.Text, line)
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// --- speaker-paragraphs ---

// extractSpeakerParagraphs reads "Name: text" paragraphs without times.
// Unlabelled paragraphs continue the previous speaker's segment.
func extractSpeakerParagraphs(root *goquery.Selection) []RawSegment {
	var out []RawSegment
	labelled := 0
	root.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := normalizeSpace(p.Text())
		if text == "" {
			return
		}
		if name, rest, ok := splitSpeaker(text); ok {
			out = append(out, RawSegment{Speaker: name, Text: rest})
			labelled++
			return
		}
		if len(out) > 0 {
			out[len(out)-1].Text = joinText(out[len(out)-1].Text, text)
		}
	})
	// A single "Label: value" paragraph is page chrome, not a transcript.
	if labelled < 2 {
		return nil
	}
	return out
}

// --- helpers ---

var speakerPrefixRe = regexp.MustCompile(`^([^:]{2,40}):\s+(.+)$`)

// splitSpeaker splits "Name: text" when the label looks like a person's name.
func splitSpeaker(s string) (name, rest string, ok bool) {
	m := speakerPrefixRe.FindStringSubmatch(s)
	if m == nil || !looksLikeName(m[1]) {
		return "", s, false
	}
	return strings.TrimSpace(m[1]), m[2], true
}

// looksLikeName accepts 1-5 capitalised words of letters, periods,
// apostrophes and hyphens, e.g. "Donald Trump" or "Sen. J.D. Vance".
func looksLikeName(s string) bool {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n < 2 || n > 40 {
		return false
	}
	words := strings.Fields(s)
	if len(words) > 5 {
		return false
	}
	for i, w := range words {
		first, _ := utf8.DecodeRuneInString(w)
		if i == 0 && !unicode.IsUpper(first) {
			return false
		}
		// Lowercase particles ("de", "van") are fine after the first word.
		if !unicode.IsUpper(first) && len(w) > 3 {
			return false
		}
		for _, r := range w {
			if !unicode.IsLetter(r) && r != '.' && r != '\'' && r != '’' && r != '-' {
				return false
			}
		}
	}
	last, _ := utf8.DecodeLastRuneInString(s)
	return last != '.' || strings.Count(s, ".") > 1
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}
