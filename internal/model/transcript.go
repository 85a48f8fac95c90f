package model

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Transcript is one parsed transcript page with its ordered speaker segments.
type Transcript struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	Date            *time.Time `json:"date,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Segments        []Segment  `json:"segments"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Segment is a single time-coded, optionally speaker-attributed block of text.
type Segment struct {
	Ordinal     int      `json:"ordinal"`
	StartTime   float64  `json:"start_time"`
	EndTime     *float64 `json:"end_time,omitempty"`
	SpeakerName string   `json:"speaker_name,omitempty"`
	Text        string   `json:"text"`
}

// Duration returns the segment length in seconds, or 0 when no end time is known.
func (s Segment) Duration() float64 {
	if s.EndTime == nil || *s.EndTime < s.StartTime {
		return 0
	}
	return *s.EndTime - s.StartTime
}

// TranscriptSummary is the list-view projection of a Transcript.
type TranscriptSummary struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	Date         *time.Time `json:"date,omitempty"`
	SegmentCount int        `json:"segments"`
	TopSpeakers  []string   `json:"top_speakers"`
}

// SpeakerStat aggregates talk time and volume for one speaker.
type SpeakerStat struct {
	Name       string  `json:"name"`
	Segments   int     `json:"segments"`
	Words      int     `json:"words"`
	Seconds    float64 `json:"seconds"`
	Percentage float64 `json:"percentage"`
}

// UnknownSpeaker labels segments without speaker attribution in aggregates.
const UnknownSpeaker = "Unknown"

var slugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]*$`)

// TranscriptID derives the stable transcript id for a URL: the trailing path
// slug when it is a clean slug, otherwise the first 16 hex chars of sha1(url).
func TranscriptID(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		p := strings.TrimRight(u.Path, "/")
		if i := strings.LastIndex(p, "/"); i >= 0 {
			slug := strings.ToLower(p[i+1:])
			if slugRe.MatchString(slug) {
				return slug
			}
		}
	}
	return Hash16(rawURL)
}

// Hash16 returns the first 16 hex characters of the sha1 of s.
func Hash16(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks that ordinals are contiguous from 0. Start-time order is
// reported by MonotonicTime rather than enforced: a segment whose time could
// not be parsed carries 0 and must still be stored.
func (t *Transcript) Validate() error {
	if t.ID == "" {
		return eris.New("transcript: empty id")
	}
	for i, s := range t.Segments {
		if s.Ordinal != i {
			return eris.Errorf("transcript %s: segment %d has ordinal %d", t.ID, i, s.Ordinal)
		}
	}
	return nil
}

// MonotonicTime reports whether start times never decrease across ordinals.
func (t *Transcript) MonotonicTime() bool {
	for i := 1; i < len(t.Segments); i++ {
		if t.Segments[i].StartTime < t.Segments[i-1].StartTime {
			return false
		}
	}
	return true
}

// SpeakerStats aggregates per-speaker segments, words and seconds, sorted by
// seconds descending then name.
func (t *Transcript) SpeakerStats() []SpeakerStat {
	idx := make(map[string]*SpeakerStat)
	var order []string
	var total float64
	for _, s := range t.Segments {
		name := s.SpeakerName
		if name == "" {
			name = UnknownSpeaker
		}
		st, ok := idx[name]
		if !ok {
			st = &SpeakerStat{Name: name}
			idx[name] = st
			order = append(order, name)
		}
		st.Segments++
		st.Words += len(strings.Fields(s.Text))
		st.Seconds += s.Duration()
		total += s.Duration()
	}

	out := make([]SpeakerStat, 0, len(order))
	for _, name := range order {
		st := idx[name]
		if total > 0 {
			st.Percentage = float64(int(10000*st.Seconds/total+0.5)) / 100
		}
		out = append(out, *st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seconds != out[j].Seconds {
			return out[i].Seconds > out[j].Seconds
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// TopSpeakers returns up to n speaker names ordered by talk time.
func (t *Transcript) TopSpeakers(n int) []string {
	stats := t.SpeakerStats()
	names := make([]string, 0, n)
	for _, st := range stats {
		if st.Name == UnknownSpeaker {
			continue
		}
		if len(names) == n {
			break
		}
		names = append(names, st.Name)
	}
	return names
}

// Summary projects the transcript into its list view.
func (t *Transcript) Summary() TranscriptSummary {
	return TranscriptSummary{
		ID:           t.ID,
		URL:          t.URL,
		Title:        t.Title,
		Date:         t.Date,
		SegmentCount: len(t.Segments),
		TopSpeakers:  t.TopSpeakers(3),
	}
}
