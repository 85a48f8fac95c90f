package model

import "time"

// Page is one page of a paginated result set.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Default and maximum page sizes for list and search results.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps (page-1)*pageSize well inside int range for slicing
	// and SQL OFFSET.
	MaxPage = 1_000_000
)

// NormalizePaging clamps page to [1, MaxPage] and pageSize to
// [1, MaxPageSize], substituting DefaultPageSize for a non-positive size.
func NormalizePaging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// Bounds returns the [start, end) slice bounds of page within total items.
func Bounds(page, pageSize, total int) (int, int) {
	if page < 1 || pageSize <= 0 || page-1 > total/pageSize {
		return total, total
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

// SearchHit is one transcript matching a search, with its best snippet.
type SearchHit struct {
	TranscriptID    string     `json:"id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	Date            *time.Time `json:"date,omitempty"`
	Score           float64    `json:"score"`
	Snippet         string     `json:"snippet"`
	MatchedSegments []int      `json:"matched_segments"`
	TopSpeakers     []string   `json:"top_speakers"`
}
