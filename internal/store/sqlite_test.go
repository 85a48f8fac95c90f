package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/factbase/internal/index"
	"github.com/sells-group/factbase/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func fptr(f float64) *float64 { return &f }

func day(s string) *time.Time {
	d, _ := time.Parse(dateLayout, s)
	return &d
}

func sampleTranscript(id string, texts ...string) *model.Transcript {
	t := &model.Transcript{
		ID:    id,
		URL:   "https://rollcall.com/factbase/trump/transcript/" + id + "/",
		Title: "Press Conference " + id,
		Date:  day("2023-05-01"),
	}
	for i, text := range texts {
		t.Segments = append(t.Segments, model.Segment{
			Ordinal:     i,
			StartTime:   float64(i * 10),
			EndTime:     fptr(float64(i*10 + 10)),
			SpeakerName: "Donald Trump",
			Text:        text,
		})
	}
	return t
}

func TestNewSQLite_InvalidPath(t *testing.T) {
	st, err := NewSQLite("/nonexistent/dir/subdir/test.db")
	if err == nil {
		// modernc defers the open until first use on some platforms.
		err = st.Migrate(context.Background())
		st.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestNewSQLite_WALMode(t *testing.T) {
	st := newTestSQLiteStore(t)

	var mode string
	require.NoError(t, st.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLite_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := sampleTranscript("sample-one", "We will talk about immigration.", "Thank you.")
	tr.Segments[1].EndTime = nil
	tr.Segments[1].SpeakerName = ""
	require.NoError(t, st.UpsertTranscript(ctx, tr))

	got, err := st.GetTranscript(ctx, "sample-one")
	require.NoError(t, err)
	assert.Equal(t, tr.URL, got.URL)
	assert.Equal(t, tr.Title, got.Title)
	require.NotNil(t, got.Date)
	assert.Equal(t, "2023-05-01", got.Date.Format(dateLayout))
	require.Len(t, got.Segments, 2)
	assert.Equal(t, "We will talk about immigration.", got.Segments[0].Text)
	require.NotNil(t, got.Segments[0].EndTime)
	assert.InDelta(t, 10.0, *got.Segments[0].EndTime, 0.001)
	assert.Nil(t, got.Segments[1].EndTime)
	assert.Equal(t, "", got.Segments[1].SpeakerName)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_UpsertReplacesSegments(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTranscript(ctx, sampleTranscript("t1", "alpha", "beta", "gamma")))
	require.NoError(t, st.UpsertTranscript(ctx, sampleTranscript("t1", "delta", "epsilon")))

	got, err := st.GetTranscript(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.Segments, 2)
	assert.Equal(t, "delta", got.Segments[0].Text)

	old, err := st.Postings(ctx, index.FieldText, "alpha")
	require.NoError(t, err)
	assert.Empty(t, old)

	fresh, err := st.Postings(ctx, index.FieldText, "epsilon")
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, index.SegmentRef{TranscriptID: "t1", Ordinal: 1}, fresh[0].Ref)

	page, err := st.ListTranscripts(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 2, page.Items[0].SegmentCount)
}

func TestSQLite_UpsertRejectsInvalid(t *testing.T) {
	st := newTestSQLiteStore(t)

	tr := sampleTranscript("bad", "a", "b")
	tr.Segments[1].Ordinal = 5
	err := st.UpsertTranscript(context.Background(), tr)
	require.Error(t, err)
	var se *StorageError
	assert.True(t, errors.As(err, &se))
}

func TestSQLite_GetNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetTranscript(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_DeleteRemovesIndex(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTranscript(ctx, sampleTranscript("t1", "immigration policy")))
	require.NoError(t, st.DeleteTranscript(ctx, "t1"))

	ps, err := st.Postings(ctx, "", "immigration")
	require.NoError(t, err)
	assert.Empty(t, ps)

	_, err = st.GetTranscript(ctx, "t1")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = st.DeleteTranscript(ctx, "t1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListPagination(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 45; i++ {
		tr := sampleTranscript(fmt.Sprintf("t%02d", i), "text")
		tr.Date = nil
		require.NoError(t, st.UpsertTranscript(ctx, tr))
	}

	page, err := st.ListTranscripts(ctx, ListFilter{Page: 2, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 45, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 20)
	assert.Equal(t, "t20", page.Items[0].ID)
	assert.Equal(t, "t39", page.Items[19].ID)

	last, err := st.ListTranscripts(ctx, ListFilter{Page: 3, PageSize: 20})
	require.NoError(t, err)
	assert.Len(t, last.Items, 5)
}

func TestSQLite_ListOrderAndFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	older := sampleTranscript("older", "x")
	older.Date = day("2020-01-01")
	newer := sampleTranscript("newer", "x")
	newer.Date = day("2024-01-01")
	newer.Title = "Rally in Ohio"
	undated := sampleTranscript("undated", "x")
	undated.Date = nil
	for _, tr := range []*model.Transcript{older, newer, undated} {
		require.NoError(t, st.UpsertTranscript(ctx, tr))
	}

	page, err := st.ListTranscripts(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, []string{"newer", "older", "undated"}, []string{page.Items[0].ID, page.Items[1].ID, page.Items[2].ID})
	assert.Equal(t, []string{"Donald Trump"}, page.Items[0].TopSpeakers)

	filtered, err := st.ListTranscripts(ctx, ListFilter{Text: "ohio"})
	require.NoError(t, err)
	assert.Equal(t, 1, filtered.Total)
	assert.Equal(t, "newer", filtered.Items[0].ID)

	empty, err := st.ListTranscripts(ctx, ListFilter{Text: "nothing-matches"})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.NotNil(t, empty.Items)
}

func TestSQLite_IngestedURLs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := sampleTranscript("t1", "x")
	require.NoError(t, st.UpsertTranscript(ctx, tr))

	urls, err := st.IngestedURLs(ctx)
	require.NoError(t, err)
	assert.Contains(t, urls, tr.URL)

	ok, err := st.HasURL(ctx, tr.URL)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.HasURL(ctx, "https://example.com/other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_SpeakerStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := sampleTranscript("t1", "one two three", "four five", "six")
	tr.Segments[1].SpeakerName = "Reporter"
	tr.Segments[2].SpeakerName = ""
	require.NoError(t, st.UpsertTranscript(ctx, tr))

	stats, err := st.SpeakerStats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, "Donald Trump", stats[0].Name)
	assert.Equal(t, 3, stats[0].Words)
	assert.InDelta(t, 33.33, stats[0].Percentage, 0.01)

	names := []string{stats[1].Name, stats[2].Name}
	assert.ElementsMatch(t, []string{"Reporter", model.UnknownSpeaker}, names)

	top, err := st.SpeakerStats(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestSQLite_PrefixPostings(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTranscript(ctx, sampleTranscript("t1", "immigration and immigrants", "imminent")))

	ps, err := st.PrefixPostings(ctx, index.FieldText, "immigra")
	require.NoError(t, err)
	tokens := map[string]bool{}
	for _, p := range ps {
		tokens[p.Token] = true
	}
	assert.Equal(t, map[string]bool{"immigration": true, "immigrants": true}, tokens)

	title, err := st.Postings(ctx, index.FieldTitle, "press")
	require.NoError(t, err)
	assert.Len(t, title, 2)

	anyField, err := st.Postings(ctx, "", "trump")
	require.NoError(t, err)
	assert.Len(t, anyField, 2)
}

func TestSQLite_LoadTranscripts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTranscript(ctx, sampleTranscript("a", "x")))
	require.NoError(t, st.UpsertTranscript(ctx, sampleTranscript("b", "y", "z")))

	ts, err := st.LoadTranscripts(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, ts, 2)
	assert.Len(t, ts["b"].Segments, 2)

	empty, err := st.LoadTranscripts(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLite_LoadTranscriptsConsistentUnderUpsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	versions := []*model.Transcript{
		sampleTranscript("a", "one"),
		sampleTranscript("a", "one", "two", "three"),
	}
	for _, v := range versions {
		v.Title = fmt.Sprintf("segments=%d", len(v.Segments))
	}
	require.NoError(t, st.UpsertTranscript(ctx, versions[0]))

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			if i%50 == 49 {
				if err := st.DeleteTranscript(ctx, "a"); err != nil {
					done <- err
					return
				}
				continue
			}
			if err := st.UpsertTranscript(ctx, versions[i%2]); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		default:
		}
		ts, err := st.LoadTranscripts(ctx, []string{"a"})
		require.NoError(t, err)
		if got, ok := ts["a"]; ok {
			require.Equal(t, fmt.Sprintf("segments=%d", len(got.Segments)), got.Title)
		}
	}
}

func TestSQLite_CrawlState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	target := "https://rollcall.com/factbase/transcripts/"

	fresh, err := st.LoadCrawlState(ctx, target)
	require.NoError(t, err)
	assert.Empty(t, fresh.Visited)
	assert.Equal(t, 0, fresh.ScrollCursor)

	now := time.Now().UTC()
	fresh.Mark("https://a")
	fresh.Mark("https://b")
	fresh.ScrollCursor = 7
	fresh.KnownEndpoint = "https://rollcall.com/wp-json/factbase/v1/transcripts"
	items := []model.DiscoveredItem{{URL: "https://a", FirstSeenAt: now}, {URL: "https://b", FirstSeenAt: now.Add(time.Second)}}
	require.NoError(t, st.SaveCrawlState(ctx, fresh, items))
	assert.False(t, fresh.UpdatedAt.IsZero())

	// Re-saving the same items must not duplicate them.
	require.NoError(t, st.SaveCrawlState(ctx, fresh, items))

	loaded, err := st.LoadCrawlState(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.ScrollCursor)
	assert.Equal(t, fresh.KnownEndpoint, loaded.KnownEndpoint)
	assert.Equal(t, []string{"https://a", "https://b"}, loaded.VisitedList())

	listed, err := st.ListDiscovered(ctx, target)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "https://a", listed[0].URL)

	all, err := st.ListDiscovered(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_FailureQueue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordFailure(ctx, model.FailedItem{URL: "https://a", ErrorType: "transient", Error: "503", Attempts: 3}))
	require.NoError(t, st.RecordFailure(ctx, model.FailedItem{URL: "https://a", ErrorType: "permanent", Error: "404", Attempts: 1}))
	require.NoError(t, st.RecordFailure(ctx, model.FailedItem{URL: "https://b", ErrorType: "parse", Error: "no segments", Attempts: 1}))

	items, err := st.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	byURL := map[string]model.FailedItem{}
	for _, it := range items {
		byURL[it.URL] = it
	}
	assert.Equal(t, "permanent", byURL["https://a"].ErrorType)
	assert.Equal(t, 1, byURL["https://a"].RetryCount)
	assert.NotEmpty(t, byURL["https://a"].ID)

	require.NoError(t, st.ClearFailure(ctx, "https://a"))
	items, err = st.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://b", items[0].URL)
}

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunk(ids, 2))
	assert.Nil(t, chunk(nil, 2))
}
