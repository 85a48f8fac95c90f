package model

import "time"

// Outcome classifies how a scrape of one URL ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
	OutcomeSkipped          Outcome = "skipped"
)

// ScrapeResult is the transient per-item report produced by the scheduler.
type ScrapeResult struct {
	URL          string        `json:"url"`
	Outcome      Outcome       `json:"outcome"`
	Attempt      int           `json:"attempt"`
	TranscriptID string        `json:"transcript_id,omitempty"`
	Segments     int           `json:"segments,omitempty"`
	ErrorType    string        `json:"error_type,omitempty"`
	Error        string        `json:"error,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Failed reports whether the item ended in either failure outcome.
func (r ScrapeResult) Failed() bool {
	return r.Outcome == OutcomeTransientFailure || r.Outcome == OutcomePermanentFailure
}

// ScrapeSummary aggregates a scheduler run.
type ScrapeSummary struct {
	RunID     string         `json:"run_id"`
	Found     int            `json:"found"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Results   []ScrapeResult `json:"results"`
	Stopped   bool           `json:"stopped,omitempty"`
}

// FailedURLs lists URLs whose scrape failed, for re-running the failed subset.
func (s *ScrapeSummary) FailedURLs() []string {
	var out []string
	for _, r := range s.Results {
		if r.Failed() {
			out = append(out, r.URL)
		}
	}
	return out
}

// FailedItem is a persisted failure that can be retried later.
type FailedItem struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ErrorType    string    `json:"error_type"`
	Error        string    `json:"error"`
	Attempts     int       `json:"attempts"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}
