package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/index"
	"github.com/sells-group/factbase/internal/model"
	"github.com/sells-group/factbase/internal/store"
)

// Field weights: a title or speaker match outranks body text.
var fieldWeight = map[index.Field]float64{
	index.FieldTitle:   3,
	index.FieldSpeaker: 2,
	index.FieldText:    1,
}

// Request is one search call. DateFrom and DateTo are inclusive; Speaker is
// a case-insensitive substring of the matched segment's speaker.
type Request struct {
	Query    string     `json:"q"`
	Speaker  string     `json:"speaker,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// Engine evaluates queries against an index.
type Engine struct {
	idx store.IndexReader
}

// NewEngine creates an Engine over idx.
func NewEngine(idx store.IndexReader) *Engine {
	return &Engine{idx: idx}
}

// segMatch accumulates the score of one matching segment.
type segMatch struct {
	score float64
}

type matchSet map[index.SegmentRef]*segMatch

// Search returns transcripts matching req.Query, ranked by score, with one
// snippet per transcript. A query with no positive clause returns an empty
// page. A malformed query returns *QuerySyntaxError.
func (e *Engine) Search(ctx context.Context, req Request) (*model.Page[model.SearchHit], error) {
	page, size := model.NormalizePaging(req.Page, req.PageSize)
	empty := &model.Page[model.SearchHit]{Items: []model.SearchHit{}, Page: page, PageSize: size}

	q, err := Parse(req.Query)
	if err != nil {
		return nil, err
	}
	positive := q.Positive()
	if len(positive) == 0 {
		return empty, nil
	}

	var cands matchSet
	for _, c := range positive {
		m, err := e.evaluate(ctx, c)
		if err != nil {
			return nil, err
		}
		cands = intersect(cands, m)
		if len(cands) == 0 {
			return empty, nil
		}
	}

	ids := transcriptIDs(cands)
	docs, err := e.idx.LoadTranscripts(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "search: load transcripts")
	}

	for _, c := range positive {
		if c.Exact {
			keepExact(cands, docs, c)
		}
	}
	for _, c := range q.Negative() {
		m, err := e.evaluate(ctx, c)
		if err != nil {
			return nil, err
		}
		for ref := range m {
			if c.Exact && !speakerEquals(segmentOf(docs, ref), c.Terms) {
				continue
			}
			delete(cands, ref)
		}
	}

	filter(cands, docs, req)

	hits := group(cands, docs, highlighter(positive))
	sort.SliceStable(hits, func(i, j int) bool {
		return rankLess(hits[i], hits[j])
	})

	zap.L().Debug("search evaluated",
		zap.String("query", req.Query),
		zap.Int("segments", len(cands)),
		zap.Int("hits", len(hits)),
	)

	start, end := model.Bounds(page, size, len(hits))
	empty.Total = len(hits)
	empty.Items = append(empty.Items, hits[start:end]...)
	return empty, nil
}

// evaluate resolves one clause to the segments it matches. Multi-term
// clauses require the terms at consecutive positions of the same field.
// An unscoped clause selects segments by text only; title and speaker
// matches on those segments add to the score.
func (e *Engine) evaluate(ctx context.Context, c Clause) (matchSet, error) {
	type key struct {
		ref   index.SegmentRef
		field index.Field
	}
	positions := make([]map[key]map[int]bool, len(c.Terms))
	for i, term := range c.Terms {
		var ps []index.Posting
		var err error
		if c.Prefix && i == len(c.Terms)-1 {
			ps, err = e.idx.PrefixPostings(ctx, c.Field, term)
		} else {
			ps, err = e.idx.Postings(ctx, c.Field, term)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "search: postings for %q", term)
		}
		m := make(map[key]map[int]bool)
		for _, p := range ps {
			k := key{ref: p.Ref, field: p.Field}
			if m[k] == nil {
				m[k] = make(map[int]bool)
			}
			m[k][p.Position] = true
		}
		if len(m) == 0 {
			return matchSet{}, nil
		}
		positions[i] = m
	}

	out := make(matchSet)
	inText := make(map[index.SegmentRef]bool)
	for k, starts := range positions[0] {
		n := 0
	next:
		for pos := range starts {
			for i := 1; i < len(positions); i++ {
				if !positions[i][k][pos+i] {
					continue next
				}
			}
			n++
		}
		if n == 0 {
			continue
		}
		sm := out[k.ref]
		if sm == nil {
			sm = &segMatch{}
			out[k.ref] = sm
		}
		sm.score += float64(n) * fieldWeight[k.field]
		if k.field == index.FieldText {
			inText[k.ref] = true
		}
	}
	if c.Field == "" {
		for ref := range out {
			if !inText[ref] {
				delete(out, ref)
			}
		}
	}
	return out, nil
}

// intersect keeps refs present in both sets, summing scores. A nil acc is
// the identity.
func intersect(acc, m matchSet) matchSet {
	if acc == nil {
		return m
	}
	for ref, sm := range acc {
		other, ok := m[ref]
		if !ok {
			delete(acc, ref)
			continue
		}
		sm.score += other.score
	}
	return acc
}

func transcriptIDs(m matchSet) []string {
	seen := make(map[string]bool)
	var ids []string
	for ref := range m {
		if !seen[ref.TranscriptID] {
			seen[ref.TranscriptID] = true
			ids = append(ids, ref.TranscriptID)
		}
	}
	sort.Strings(ids)
	return ids
}

func segmentOf(docs map[string]*model.Transcript, ref index.SegmentRef) *model.Segment {
	t, ok := docs[ref.TranscriptID]
	if !ok {
		return nil
	}
	for i := range t.Segments {
		if t.Segments[i].Ordinal == ref.Ordinal {
			return &t.Segments[i]
		}
	}
	return nil
}

// speakerEquals reports whether seg's whole speaker label is terms.
func speakerEquals(seg *model.Segment, terms []string) bool {
	if seg == nil {
		return false
	}
	got := index.Terms(seg.SpeakerName)
	if len(got) != len(terms) {
		return false
	}
	for i := range got {
		if got[i] != terms[i] {
			return false
		}
	}
	return true
}

func keepExact(cands matchSet, docs map[string]*model.Transcript, c Clause) {
	for ref := range cands {
		if !speakerEquals(segmentOf(docs, ref), c.Terms) {
			delete(cands, ref)
		}
	}
}

// filter applies the request's speaker and date constraints. A transcript
// without a date never satisfies a date range.
func filter(cands matchSet, docs map[string]*model.Transcript, req Request) {
	speaker := strings.ToLower(strings.TrimSpace(req.Speaker))
	for ref := range cands {
		t, ok := docs[ref.TranscriptID]
		if !ok {
			delete(cands, ref)
			continue
		}
		if speaker != "" {
			seg := segmentOf(docs, ref)
			if seg == nil || !strings.Contains(strings.ToLower(seg.SpeakerName), speaker) {
				delete(cands, ref)
				continue
			}
		}
		if req.DateFrom != nil || req.DateTo != nil {
			if t.Date == nil {
				delete(cands, ref)
				continue
			}
			d := day(*t.Date)
			if req.DateFrom != nil && d.Before(day(*req.DateFrom)) {
				delete(cands, ref)
				continue
			}
			if req.DateTo != nil && d.After(day(*req.DateTo)) {
				delete(cands, ref)
			}
		}
	}
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// group folds segment matches into one hit per transcript. The snippet is
// taken from the highest scoring segment, earliest ordinal on ties.
func group(cands matchSet, docs map[string]*model.Transcript, hl *highlight) []model.SearchHit {
	type acc struct {
		hit       model.SearchHit
		best      int
		bestScore float64
	}
	byID := make(map[string]*acc)
	for ref, sm := range cands {
		a := byID[ref.TranscriptID]
		if a == nil {
			t := docs[ref.TranscriptID]
			a = &acc{
				hit: model.SearchHit{
					TranscriptID: t.ID,
					URL:          t.URL,
					Title:        t.Title,
					Date:         t.Date,
					TopSpeakers:  t.TopSpeakers(3),
				},
				best:      -1,
				bestScore: -1,
			}
			byID[ref.TranscriptID] = a
		}
		a.hit.Score += sm.score
		a.hit.MatchedSegments = append(a.hit.MatchedSegments, ref.Ordinal)
		if sm.score > a.bestScore || (sm.score == a.bestScore && ref.Ordinal < a.best) {
			a.best, a.bestScore = ref.Ordinal, sm.score
		}
	}

	hits := make([]model.SearchHit, 0, len(byID))
	for id, a := range byID {
		sort.Ints(a.hit.MatchedSegments)
		if seg := segmentOf(docs, index.SegmentRef{TranscriptID: id, Ordinal: a.best}); seg != nil {
			a.hit.Snippet = hl.snippet(seg.Text)
		}
		hits = append(hits, a.hit)
	}
	return hits
}

// rankLess orders by score, then newer date (undated last), then id.
func rankLess(a, b model.SearchHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	switch {
	case a.Date != nil && b.Date != nil && !a.Date.Equal(*b.Date):
		return a.Date.After(*b.Date)
	case a.Date != nil && b.Date == nil:
		return true
	case a.Date == nil && b.Date != nil:
		return false
	}
	return a.TranscriptID < b.TranscriptID
}
