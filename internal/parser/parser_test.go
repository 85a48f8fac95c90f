package parser

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleURL = "https://rollcall.com/factbase/trump/transcript/donald-trump-press-conference-may-1-2023/"

func fptr(f float64) *float64 { return &f }

func TestParse_TimestampLinesFixture(t *testing.T) {
	raw, err := os.ReadFile("testdata/rollcall_sample.html")
	require.NoError(t, err)

	tr, err := Parse(raw, sampleURL)
	require.NoError(t, err)

	assert.Equal(t, "donald-trump-press-conference-may-1-2023", tr.ID)
	assert.Equal(t, sampleURL, tr.URL)
	assert.Equal(t, "Donald Trump Holds a Press Conference", tr.Title)
	require.NotNil(t, tr.Date)
	assert.Equal(t, "2023-05-01", tr.Date.Format("2006-01-02"))

	require.Len(t, tr.Segments, 4)
	for i, s := range tr.Segments {
		assert.Equal(t, i, s.Ordinal)
	}

	s0 := tr.Segments[0]
	assert.Equal(t, "Donald Trump", s0.SpeakerName)
	assert.Equal(t, 0.0, s0.StartTime)
	assert.Equal(t, fptr(5), s0.EndTime)
	assert.Equal(t, "Thank you very much. We're talking about immigration today.", s0.Text)

	s1 := tr.Segments[1]
	assert.Equal(t, "Reporter", s1.SpeakerName)
	assert.Equal(t, 5.0, s1.StartTime)
	assert.Equal(t, fptr(12), s1.EndTime, "end inferred from next start")
	assert.Equal(t, "Mr. President, what about the press pool?", s1.Text)

	s2 := tr.Segments[2]
	assert.Equal(t, "Donald Trump", s2.SpeakerName)
	assert.Equal(t, "The press conference is over.", s2.Text)
	assert.Equal(t, fptr(20), s2.EndTime)

	s3 := tr.Segments[3]
	assert.Equal(t, 20.0, s3.StartTime)
	assert.Equal(t, fptr(31), s3.EndTime)
	assert.Equal(t, "Goodbye.", s3.Text)

	assert.Equal(t, 31.0, tr.DurationSeconds)
	assert.True(t, tr.MonotonicTime())
	require.NoError(t, tr.Validate())
}

func TestParse_FactbaseBlocks(t *testing.T) {
	html := `<html><body><h1>Speech</h1>
		<div class="transcript-segment" data-speaker="Joe Biden"><span class="timestamp">00:01:00</span><p class="segment-text">Folks, here's the deal.</p></div>
		<div class="transcript-segment"><span class="speaker-name">Kamala Harris</span><span class="timestamp">1:05</span><div>What can be unburdened.</div></div>
		<div class="transcript-segment"><span class="speaker-name">Joe Biden</span><span class="timestamp">soon</span><div>Thank you.</div></div>
		<div class="transcript-segment"><span class="speaker-name">Joe Biden</span></div>
	</body></html>`

	tr, err := Parse([]byte(html), "https://rollcall.com/factbase/biden/transcript/speech/")
	require.NoError(t, err)
	require.Len(t, tr.Segments, 3, "empty block dropped")

	assert.Equal(t, "Joe Biden", tr.Segments[0].SpeakerName)
	assert.Equal(t, 60.0, tr.Segments[0].StartTime)
	assert.Equal(t, "Folks, here's the deal.", tr.Segments[0].Text)
	assert.Equal(t, fptr(65), tr.Segments[0].EndTime)

	assert.Equal(t, "Kamala Harris", tr.Segments[1].SpeakerName)
	assert.Equal(t, 65.0, tr.Segments[1].StartTime)
	assert.Equal(t, "What can be unburdened.", tr.Segments[1].Text)
	assert.Nil(t, tr.Segments[1].EndTime)

	// Unparseable time keeps the segment at 0.
	assert.Equal(t, 0.0, tr.Segments[2].StartTime)
	assert.Equal(t, "Thank you.", tr.Segments[2].Text)
	assert.False(t, tr.MonotonicTime())
	assert.NoError(t, tr.Validate())
}

func TestParse_DataStartAttributes(t *testing.T) {
	html := `<html><body>
		<div data-start="0" data-end="4.5" data-speaker="A Speaker">First.</div>
		<div data-start="00:05"><span class="speaker">B Speaker</span> Second.</div>
	</body></html>`

	tr, err := Parse([]byte(html), "https://example.com/t/x")
	require.NoError(t, err)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, fptr(4.5), tr.Segments[0].EndTime)
	assert.Equal(t, 5.0, tr.Segments[1].StartTime)
	assert.Equal(t, "B Speaker", tr.Segments[1].SpeakerName)
	assert.Equal(t, "Second.", tr.Segments[1].Text)
	assert.Equal(t, "x", tr.Title, "falls back to id")
}

func TestParse_SpeakerParagraphs(t *testing.T) {
	html := `<html><head><title>Interview</title></head><body>
		<p>Posted by staff</p>
		<p>Donald Trump: We will win.</p>
		<p>And we will keep winning.</p>
		<p>Interviewer: Thank you, sir.</p>
	</body></html>`

	tr, err := Parse([]byte(html), "https://example.com/interview")
	require.NoError(t, err)
	assert.Equal(t, "Interview", tr.Title)
	assert.Nil(t, tr.Date)
	require.Len(t, tr.Segments, 2)
	assert.Equal(t, "Donald Trump", tr.Segments[0].SpeakerName)
	assert.Equal(t, "We will win. And we will keep winning.", tr.Segments[0].Text)
	assert.Equal(t, "Interviewer", tr.Segments[1].SpeakerName)
	assert.Nil(t, tr.Segments[0].EndTime)
}

func TestParse_NoSegmentsIsParseFailure(t *testing.T) {
	_, err := Parse([]byte(`<html><body><p>Nothing here</p><p>Note: one label only</p></body></html>`), "https://example.com/empty")
	require.Error(t, err)

	var pf *ParseFailure
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, "https://example.com/empty", pf.URL)
	assert.Equal(t, []string{"factbase-blocks", "timestamp-lines", "speaker-paragraphs"}, pf.Tried)
}

func TestParse_CustomStrategies(t *testing.T) {
	called := false
	p := New(Strategy{Name: "custom", Extract: func(root *goquery.Selection) []RawSegment {
		called = true
		return []RawSegment{{Text: "  only   one  "}}
	}})

	tr, err := p.Parse([]byte(`<html><body></body></html>`), "https://example.com/c")
	require.NoError(t, err)
	assert.True(t, called)
	require.Len(t, tr.Segments, 1)
	assert.Equal(t, "only one", tr.Segments[0].Text)
}

func TestExtractDate(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"time text", `<time>March 3, 2021</time>`, "2021-03-03"},
		{"meta", `<head><meta property="article:published_time" content="2020-07-04T10:00:00-04:00"></head>`, "2020-07-04"},
		{"iso in text", `<p>Published 2022/11/15 by staff</p>`, "2022-11-15"},
		{"none", `<p>no date</p>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html>" + tt.html + "</html>"))
			require.NoError(t, err)
			got := extractDate(doc)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Format("2006-01-02"))
		})
	}
}

func TestLooksLikeName(t *testing.T) {
	for _, s := range []string{"Donald Trump", "Reporter", "Sen. J.D. Vance", "Beto O'Rourke", "Charles de Gaulle"} {
		assert.True(t, looksLikeName(s), s)
	}
	for _, s := range []string{"x", "Thank you very much", "Mr. President, what", "May 1, 2023", "lowercase name", "Goodbye."} {
		assert.False(t, looksLikeName(s), s)
	}
}
