// Package store persists transcripts, their segment index, crawl state and
// the scrape failure queue. SQLite and Postgres backends share one schema.
package store

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/factbase/internal/index"
	"github.com/sells-group/factbase/internal/model"
)

// ErrNotFound is returned when a transcript id does not exist.
var ErrNotFound = eris.New("store: not found")

// StorageError reports a failed write. The affected item's upsert is
// aborted; callers keep processing other items.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ListFilter selects a page of transcript summaries. Text matches a
// case-insensitive substring of the title or URL.
type ListFilter struct {
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Text     string `json:"text,omitempty"`
}

// TranscriptStore is the document side of the store.
type TranscriptStore interface {
	UpsertTranscript(ctx context.Context, t *model.Transcript) error
	GetTranscript(ctx context.Context, id string) (*model.Transcript, error)
	DeleteTranscript(ctx context.Context, id string) error
	ListTranscripts(ctx context.Context, filter ListFilter) (*model.Page[model.TranscriptSummary], error)
	IngestedURLs(ctx context.Context) (map[string]struct{}, error)
	HasURL(ctx context.Context, url string) (bool, error)
	SpeakerStats(ctx context.Context, limit int) ([]model.SpeakerStat, error)
}

// StateStore persists discovery progress. SaveCrawlState writes the state
// row and any newly discovered items in one transaction.
type StateStore interface {
	LoadCrawlState(ctx context.Context, target string) (*model.CrawlState, error)
	SaveCrawlState(ctx context.Context, st *model.CrawlState, items []model.DiscoveredItem) error
	ListDiscovered(ctx context.Context, target string) ([]model.DiscoveredItem, error)
}

// FailureStore is the dead-letter queue of URLs whose scrape failed.
type FailureStore interface {
	RecordFailure(ctx context.Context, item model.FailedItem) error
	ClearFailure(ctx context.Context, url string) error
	ListFailures(ctx context.Context) ([]model.FailedItem, error)
}

// IndexReader exposes the postings the search engine evaluates against.
// An empty field matches postings in every field.
type IndexReader interface {
	Postings(ctx context.Context, field index.Field, token string) ([]index.Posting, error)
	PrefixPostings(ctx context.Context, field index.Field, prefix string) ([]index.Posting, error)
	LoadTranscripts(ctx context.Context, ids []string) (map[string]*model.Transcript, error)
}

// Store is the full persistence interface.
type Store interface {
	TranscriptStore
	StateStore
	FailureStore
	IndexReader

	Migrate(ctx context.Context) error
	Close() error
}

// idChunk bounds the number of ids bound into one IN clause.
const idChunk = 500

func chunk(ids []string, n int) [][]string {
	var out [][]string
	for len(ids) > n {
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func finishPage(items []model.TranscriptSummary, total, page, pageSize int) *model.Page[model.TranscriptSummary] {
	if items == nil {
		items = []model.TranscriptSummary{}
	}
	return &model.Page[model.TranscriptSummary]{Items: items, Total: total, Page: page, PageSize: pageSize}
}

// finishSpeakerStats fills percentages from the corpus total.
func finishSpeakerStats(stats []model.SpeakerStat, total float64) []model.SpeakerStat {
	for i := range stats {
		if total > 0 {
			stats[i].Percentage = float64(int(10000*stats[i].Seconds/total+0.5)) / 100
		}
	}
	if stats == nil {
		stats = []model.SpeakerStat{}
	}
	return stats
}

func wordCount(s string) int {
	return len(index.Terms(s))
}

// assemble attaches loaded segments to their transcripts in ordinal order.
func assemble(ts map[string]*model.Transcript, id string, seg model.Segment) {
	if t, ok := ts[id]; ok {
		t.Segments = append(t.Segments, seg)
	}
}
