// Package api serves the transcript store and search engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/model"
	"github.com/sells-group/factbase/internal/search"
	"github.com/sells-group/factbase/internal/store"
)

// Store is the read side of the store the API needs.
type Store interface {
	GetTranscript(ctx context.Context, id string) (*model.Transcript, error)
	ListTranscripts(ctx context.Context, filter store.ListFilter) (*model.Page[model.TranscriptSummary], error)
	SpeakerStats(ctx context.Context, limit int) ([]model.SpeakerStat, error)
	ListFailures(ctx context.Context) ([]model.FailedItem, error)
}

// Searcher runs search requests.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*model.Page[model.SearchHit], error)
}

// Server holds the HTTP handlers.
type Server struct {
	store  Store
	search Searcher
}

// New creates a Server.
func New(st Store, s Searcher) *Server {
	return &Server{store: st, search: s}
}

// Handler returns the routed handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/transcripts", s.listTranscripts)
		r.Get("/transcripts/{id}", s.getTranscript)
		r.Get("/search", s.searchTranscripts)
		r.Get("/speakers", s.speakers)
		r.Get("/failures", s.failures)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTranscripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := paging(r)
	res, err := s.store.ListTranscripts(r.Context(), store.ListFilter{
		Page:     page,
		PageSize: size,
		Text:     strings.TrimSpace(q.Get("q")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transcriptDetail struct {
	*model.Transcript
	Speakers []model.SpeakerStat `json:"speakers"`
}

// getTranscript serves /api/transcripts/{id} as JSON, or as plain text when
// the id carries a .txt suffix.
func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	asText := false
	if trimmed, ok := strings.CutSuffix(id, ".txt"); ok {
		id, asText = trimmed, true
	}

	t, err := s.store.GetTranscript(r.Context(), id)
	if err != nil {
		if asText && errors.Is(err, store.ErrNotFound) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "not found")
			return
		}
		writeError(w, r, err)
		return
	}

	if asText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", t.ID+".txt"))
		fmt.Fprint(w, PlainText(t))
		return
	}
	writeJSON(w, http.StatusOK, transcriptDetail{Transcript: t, Speakers: t.SpeakerStats()})
}

func (s *Server) searchTranscripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := paging(r)
	req := search.Request{
		Query:    q.Get("q"),
		Speaker:  strings.TrimSpace(q.Get("speaker")),
		Page:     page,
		PageSize: size,
	}
	var err error
	if req.DateFrom, err = parseDate(q.Get("start")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid start date"})
		return
	}
	if req.DateTo, err = parseDate(q.Get("end")); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid end date"})
		return
	}

	res, err := s.search.Search(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) speakers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	stats, err := s.store.SpeakerStats(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []model.SpeakerStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) failures(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListFailures(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.FailedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// PlainText renders a transcript as its title, a blank line, then one
// "HH:MM:SS-HH:MM:SS Speaker: text" line per segment.
func PlainText(t *model.Transcript) string {
	var b strings.Builder
	title := t.Title
	if title == "" {
		title = t.ID
	}
	b.WriteString(title)
	b.WriteString("\n\n")
	for i, seg := range t.Segments {
		end := seg.StartTime
		if seg.EndTime != nil {
			end = *seg.EndTime
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s-%s %s: %s", clock(seg.StartTime), clock(end), seg.SpeakerName, seg.Text)
	}
	return b.String()
}

func clock(secs float64) string {
	s := int(secs)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

func paging(r *http.Request) (int, int) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	return model.NormalizePaging(page, size)
}

// parseDate accepts YYYY-MM-DD and the looser forms dateparse understands.
// An empty value means no bound.
func parseDate(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if d, err := time.Parse(time.DateOnly, v); err == nil {
		return &d, nil
	}
	d, err := dateparse.ParseIn(v, time.UTC)
	if err != nil {
		return nil, eris.Wrapf(err, "parse date %q", v)
	}
	return &d, nil
}
