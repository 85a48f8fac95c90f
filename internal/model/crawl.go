package model

import (
	"sort"
	"time"
)

// DiscoveredItem is one listing-derived URL identifying a transcript to scrape.
// The URL is the key; items are immutable once written.
type DiscoveredItem struct {
	URL         string    `json:"url"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// CrawlState is the persisted progress of discovery against one listing target.
type CrawlState struct {
	Target        string              `json:"target"`
	Visited       map[string]struct{} `json:"-"`
	ScrollCursor  int                 `json:"scroll_cursor"`
	KnownEndpoint string              `json:"known_endpoint,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// NewCrawlState returns an empty state for target.
func NewCrawlState(target string) *CrawlState {
	return &CrawlState{Target: target, Visited: make(map[string]struct{})}
}

// Seen reports whether url was already discovered.
func (s *CrawlState) Seen(url string) bool {
	_, ok := s.Visited[url]
	return ok
}

// Mark adds url to the visited set and reports whether it was new.
func (s *CrawlState) Mark(url string) bool {
	if s.Visited == nil {
		s.Visited = make(map[string]struct{})
	}
	if _, ok := s.Visited[url]; ok {
		return false
	}
	s.Visited[url] = struct{}{}
	return true
}

// VisitedList returns the visited set sorted.
func (s *CrawlState) VisitedList() []string {
	out := make([]string, 0, len(s.Visited))
	for u := range s.Visited {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
