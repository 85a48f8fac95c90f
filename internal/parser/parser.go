// Package parser turns one fetched transcript page into a model.Transcript.
//
// Pages are tried against an ordered list of named extraction strategies;
// the first one that yields segments wins. Supporting a new markup variant
// means adding a strategy, not another branch in an existing one.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/model"
)

// ParseFailure reports a document from which no segments could be extracted.
// It is permanent: refetching the same markup will not help.
type ParseFailure struct {
	URL    string
	Tried  []string
	Reason string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("parse %s: %s (tried %s)", e.URL, e.Reason, strings.Join(e.Tried, ", "))
}

// Strategy extracts raw segments from the cleaned document body.
type Strategy struct {
	Name    string
	Extract func(root *goquery.Selection) []RawSegment
}

// RawSegment is a segment before ordinals and inferred end times are assigned.
type RawSegment struct {
	Start    float64
	End      *float64
	Duration *float64
	Speaker  string
	Text     string
}

// DefaultStrategies is the order pages are tried in.
var DefaultStrategies = []Strategy{
	{Name: "factbase-blocks", Extract: extractBlocks},
	{Name: "timestamp-lines", Extract: extractTimestampLines},
	{Name: "speaker-paragraphs", Extract: extractSpeakerParagraphs},
}

// Parser applies strategies in order.
type Parser struct {
	strategies []Strategy
}

// New creates a Parser. With no strategies it uses DefaultStrategies.
func New(strategies ...Strategy) *Parser {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	return &Parser{strategies: strategies}
}

// Parse parses raw with the default strategies.
func Parse(raw []byte, url string) (*model.Transcript, error) {
	return New().Parse(raw, url)
}

// boilerplate is removed before any strategy runs.
const boilerplate = "nav, header, footer, aside, script, style, noscript, form"

// Parse extracts the transcript in raw, fetched from url.
func (p *Parser) Parse(raw []byte, url string) (*model.Transcript, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrapf(err, "parse %s: read html", url)
	}

	title := extractTitle(doc)
	date := extractDate(doc)

	doc.Find(boilerplate).Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var raws []RawSegment
	var strategy string
	tried := make([]string, 0, len(p.strategies))
	for _, s := range p.strategies {
		tried = append(tried, s.Name)
		raws = nonEmpty(s.Extract(root))
		if len(raws) > 0 {
			strategy = s.Name
			break
		}
	}
	if len(raws) == 0 {
		return nil, &ParseFailure{URL: url, Tried: tried, Reason: "no segments found"}
	}

	t := &model.Transcript{
		ID:       model.TranscriptID(url),
		URL:      url,
		Title:    title,
		Date:     date,
		Segments: finalize(raws),
	}
	if t.Title == "" {
		t.Title = t.ID
	}
	last := t.Segments[len(t.Segments)-1]
	t.DurationSeconds = last.StartTime
	if last.EndTime != nil {
		t.DurationSeconds = *last.EndTime
	}

	log := zap.L().With(zap.String("component", "parser"), zap.String("url", url))
	if !t.MonotonicTime() {
		log.Warn("segment start times decrease", zap.String("id", t.ID))
	}
	log.Debug("parsed transcript",
		zap.String("strategy", strategy),
		zap.Int("segments", len(t.Segments)),
	)
	return t, nil
}

func nonEmpty(raws []RawSegment) []RawSegment {
	out := raws[:0]
	for _, r := range raws {
		r.Text = normalizeSpace(r.Text)
		r.Speaker = normalizeSpace(r.Speaker)
		if r.Text != "" {
			out = append(out, r)
		}
	}
	return out
}

// finalize assigns ordinals and infers missing end times, first from an
// explicit duration and then from the next segment's start.
func finalize(raws []RawSegment) []model.Segment {
	segs := make([]model.Segment, len(raws))
	for i, r := range raws {
		seg := model.Segment{
			Ordinal:     i,
			StartTime:   r.Start,
			EndTime:     r.End,
			SpeakerName: r.Speaker,
			Text:        r.Text,
		}
		if seg.EndTime == nil && r.Duration != nil {
			end := r.Start + *r.Duration
			seg.EndTime = &end
		}
		segs[i] = seg
	}
	for i := 0; i+1 < len(segs); i++ {
		if segs[i].EndTime == nil && segs[i+1].StartTime > segs[i].StartTime {
			end := segs[i+1].StartTime
			segs[i].EndTime = &end
		}
	}
	return segs
}

func extractTitle(doc *goquery.Document) string {
	if h1 := normalizeSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return normalizeSpace(doc.Find("title").First().Text())
}

var isoDateRe = regexp.MustCompile(`(\d{4})[-/](\d{2})[-/](\d{2})`)

// extractDate tries <time>, then publication meta tags, then the first ISO
// date in the page text.
func extractDate(doc *goquery.Document) *time.Time {
	if el := doc.Find("time").First(); el.Length() > 0 {
		cand, ok := el.Attr("datetime")
		if !ok || strings.TrimSpace(cand) == "" {
			cand = el.Text()
		}
		if d := normalizeDate(cand); d != nil {
			return d
		}
	}
	for _, sel := range []string{`meta[property="article:published_time"]`, `meta[name="date"]`, `meta[itemprop="datePublished"]`} {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if d := normalizeDate(v); d != nil {
				return d
			}
		}
	}
	if m := isoDateRe.FindStringSubmatch(doc.Text()); m != nil {
		return normalizeDate(m[0])
	}
	return nil
}

// normalizeDate reduces s to a UTC calendar date.
func normalizeDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		if d, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			return &d
		}
	}
	d, err := dateparse.ParseAny(s)
	if err != nil {
		return nil
	}
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return &day
}

var (
	invisible  = strings.NewReplacer("\ufeff", "", "\u200b", "", "\u00ad", "", "\u2060", "")
	spaceRunRe = regexp.MustCompile(`\s+`)
)

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(invisible.Replace(s), " "))
}
