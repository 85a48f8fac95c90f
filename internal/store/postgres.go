package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/factbase/internal/db"
	"github.com/sells-group/factbase/internal/index"
	"github.com/sells-group/factbase/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Transcripts ---

var segmentColumns = []string{"transcript_id", "ordinal", "start_time", "end_time", "speaker", "text", "word_count"}
var postingColumns = []string{"transcript_id", "ordinal", "field", "token", "position"}

func (s *PostgresStore) UpsertTranscript(ctx context.Context, t *model.Transcript) error {
	if err := t.Validate(); err != nil {
		return &StorageError{Op: "upsert " + t.ID, Err: err}
	}
	if err := s.upsert(ctx, t); err != nil {
		return &StorageError{Op: "upsert " + t.ID, Err: err}
	}
	return nil
}

func (s *PostgresStore) upsert(ctx context.Context, t *model.Transcript) error {
	now := time.Now().UTC()
	top, err := json.Marshal(t.TopSpeakers(3))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal top speakers")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM postings WHERE transcript_id = $1`, t.ID); err != nil {
		return eris.Wrap(err, "postgres: delete postings")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE transcript_id = $1`, t.ID); err != nil {
		return eris.Wrap(err, "postgres: delete segments")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO transcripts (id, url, title, date, duration_seconds, segment_count, top_speakers, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   url = EXCLUDED.url, title = EXCLUDED.title, date = EXCLUDED.date,
		   duration_seconds = EXCLUDED.duration_seconds, segment_count = EXCLUDED.segment_count,
		   top_speakers = EXCLUDED.top_speakers, updated_at = EXCLUDED.updated_at`,
		t.ID, t.URL, t.Title, t.Date, t.DurationSeconds, len(t.Segments), string(top), now,
	); err != nil {
		return eris.Wrap(err, "postgres: upsert transcript")
	}

	segRows := make([][]any, 0, len(t.Segments))
	for _, seg := range t.Segments {
		segRows = append(segRows, []any{t.ID, seg.Ordinal, seg.StartTime, seg.EndTime, seg.SpeakerName, seg.Text, wordCount(seg.Text)})
	}
	if _, err := db.CopyFrom(ctx, tx, "segments", segmentColumns, segRows); err != nil {
		return err
	}

	postings := index.Build(t)
	postRows := make([][]any, 0, len(postings))
	for _, p := range postings {
		postRows = append(postRows, []any{t.ID, p.Ref.Ordinal, string(p.Field), p.Token, p.Position})
	}
	if _, err := db.CopyFrom(ctx, tx, "postings", postingColumns, postRows); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert")
}

func (s *PostgresStore) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	ts, err := s.LoadTranscripts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	t, ok := ts[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "transcript %s", id)
	}
	return t, nil
}

// DeleteTranscript relies on ON DELETE CASCADE for segments and postings.
func (s *PostgresStore) DeleteTranscript(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcripts WHERE id = $1`, id)
	if err != nil {
		return &StorageError{Op: "delete " + id, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "transcript %s", id)
	}
	return nil
}

func (s *PostgresStore) ListTranscripts(ctx context.Context, filter ListFilter) (*model.Page[model.TranscriptSummary], error) {
	page, size := model.NormalizePaging(filter.Page, filter.PageSize)

	where := ""
	var args []any
	if text := strings.TrimSpace(filter.Text); text != "" {
		where = ` WHERE title ILIKE $1 OR url ILIKE $1`
		args = append(args, "%"+text+"%")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transcripts`+where, args...).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "postgres: count transcripts")
	}

	limitArg := len(args) + 1
	q := `SELECT id, url, title, date, segment_count, top_speakers FROM transcripts` + where +
		` ORDER BY date DESC NULLS LAST, id ASC LIMIT $` + strconv.Itoa(limitArg) + ` OFFSET $` + strconv.Itoa(limitArg+1)
	rows, err := s.pool.Query(ctx, q, append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transcripts")
	}
	defer rows.Close()

	var items []model.TranscriptSummary
	for rows.Next() {
		var sum model.TranscriptSummary
		var top []byte
		if err := rows.Scan(&sum.ID, &sum.URL, &sum.Title, &sum.Date, &sum.SegmentCount, &top); err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		sum.TopSpeakers = decodeSpeakers(string(top))
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list transcripts iterate")
	}
	return finishPage(items, total, page, size), nil
}

func (s *PostgresStore) IngestedURLs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM transcripts`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: ingested urls")
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan url")
		}
		out[u] = struct{}{}
	}
	return out, eris.Wrap(rows.Err(), "postgres: ingested urls iterate")
}

func (s *PostgresStore) HasURL(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transcripts WHERE url = $1)`, url).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: has url")
}

func (s *PostgresStore) SpeakerStats(ctx context.Context, limit int) ([]model.SpeakerStat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT CASE WHEN speaker = '' THEN $1 ELSE speaker END AS name,
		       COUNT(*)::int, COALESCE(SUM(word_count), 0)::int,
		       COALESCE(SUM(CASE WHEN end_time IS NOT NULL AND end_time > start_time THEN end_time - start_time ELSE 0 END), 0)::float8 AS seconds
		FROM segments
		GROUP BY 1
		ORDER BY seconds DESC, name ASC`, model.UnknownSpeaker)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: speaker stats")
	}
	defer rows.Close()

	var stats []model.SpeakerStat
	var total float64
	for rows.Next() {
		var st model.SpeakerStat
		if err := rows.Scan(&st.Name, &st.Segments, &st.Words, &st.Seconds); err != nil {
			return nil, eris.Wrap(err, "postgres: scan speaker stat")
		}
		total += st.Seconds
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: speaker stats iterate")
	}
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return finishSpeakerStats(stats, total), nil
}

// --- Index ---

func (s *PostgresStore) Postings(ctx context.Context, field index.Field, token string) ([]index.Posting, error) {
	q := `SELECT transcript_id, ordinal, field, token, position FROM postings WHERE token = $1`
	args := []any{token}
	if field != "" {
		q += ` AND field = $2`
		args = append(args, string(field))
	}
	return s.queryPostings(ctx, q, args...)
}

func (s *PostgresStore) PrefixPostings(ctx context.Context, field index.Field, prefix string) ([]index.Posting, error) {
	q := `SELECT transcript_id, ordinal, field, token, position FROM postings WHERE token >= $1 AND token < $2`
	args := []any{prefix, prefix + string(utf8.MaxRune)}
	if field != "" {
		q += ` AND field = $3`
		args = append(args, string(field))
	}
	return s.queryPostings(ctx, q, args...)
}

func (s *PostgresStore) queryPostings(ctx context.Context, q string, args ...any) ([]index.Posting, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query postings")
	}
	defer rows.Close()

	var out []index.Posting
	for rows.Next() {
		var p index.Posting
		var field string
		if err := rows.Scan(&p.Ref.TranscriptID, &p.Ref.Ordinal, &field, &p.Token, &p.Position); err != nil {
			return nil, eris.Wrap(err, "postgres: scan posting")
		}
		p.Field = index.Field(field)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: postings iterate")
}

func (s *PostgresStore) LoadTranscripts(ctx context.Context, ids []string) (map[string]*model.Transcript, error) {
	out := make(map[string]*model.Transcript, len(ids))
	for _, part := range chunk(ids, idChunk) {
		if err := s.loadTranscriptRows(ctx, part, out); err != nil {
			return nil, err
		}
		if err := s.loadSegmentRows(ctx, part, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadTranscriptRows(ctx context.Context, ids []string, out map[string]*model.Transcript) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, title, date, duration_seconds, created_at, updated_at FROM transcripts WHERE id = ANY($1)`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: load transcripts")
	}
	defer rows.Close()
	for rows.Next() {
		var t model.Transcript
		if err := rows.Scan(&t.ID, &t.URL, &t.Title, &t.Date, &t.DurationSeconds, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return eris.Wrap(err, "postgres: scan transcript")
		}
		t.Segments = []model.Segment{}
		out[t.ID] = &t
	}
	return eris.Wrap(rows.Err(), "postgres: load transcripts iterate")
}

func (s *PostgresStore) loadSegmentRows(ctx context.Context, ids []string, out map[string]*model.Transcript) error {
	rows, err := s.pool.Query(ctx,
		`SELECT transcript_id, ordinal, start_time, end_time, speaker, text FROM segments
		 WHERE transcript_id = ANY($1) ORDER BY transcript_id, ordinal`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: load segments")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var seg model.Segment
		if err := rows.Scan(&id, &seg.Ordinal, &seg.StartTime, &seg.EndTime, &seg.SpeakerName, &seg.Text); err != nil {
			return eris.Wrap(err, "postgres: scan segment")
		}
		assemble(out, id, seg)
	}
	return eris.Wrap(rows.Err(), "postgres: load segments iterate")
}

// --- Crawl state ---

func (s *PostgresStore) LoadCrawlState(ctx context.Context, target string) (*model.CrawlState, error) {
	st := model.NewCrawlState(target)

	err := s.pool.QueryRow(ctx,
		`SELECT scroll_cursor, known_endpoint, updated_at FROM crawl_state WHERE target = $1`, target,
	).Scan(&st.ScrollCursor, &st.KnownEndpoint, &st.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: load crawl state")
	}

	rows, err := s.pool.Query(ctx, `SELECT url FROM discovered_items WHERE target = $1`, target)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load visited")
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "postgres: scan visited")
		}
		st.Mark(u)
	}
	return st, eris.Wrap(rows.Err(), "postgres: load visited iterate")
}

func (s *PostgresStore) SaveCrawlState(ctx context.Context, st *model.CrawlState, items []model.DiscoveredItem) error {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "save crawl state", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(items) > 0 {
		batch := &pgx.Batch{}
		for _, it := range items {
			batch.Queue(
				`INSERT INTO discovered_items (url, target, first_seen_at) VALUES ($1, $2, $3) ON CONFLICT (url) DO NOTHING`,
				it.URL, st.Target, it.FirstSeenAt.UTC(),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return &StorageError{Op: "append discovered", Err: err}
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO crawl_state (target, scroll_cursor, known_endpoint, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (target) DO UPDATE SET
		   scroll_cursor = EXCLUDED.scroll_cursor, known_endpoint = EXCLUDED.known_endpoint, updated_at = EXCLUDED.updated_at`,
		st.Target, st.ScrollCursor, st.KnownEndpoint, now,
	); err != nil {
		return &StorageError{Op: "save crawl state", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &StorageError{Op: "save crawl state", Err: err}
	}
	st.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListDiscovered(ctx context.Context, target string) ([]model.DiscoveredItem, error) {
	q := `SELECT url, first_seen_at FROM discovered_items`
	var args []any
	if target != "" {
		q += ` WHERE target = $1`
		args = append(args, target)
	}
	q += ` ORDER BY first_seen_at ASC, url ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list discovered")
	}
	defer rows.Close()

	var out []model.DiscoveredItem
	for rows.Next() {
		var it model.DiscoveredItem
		if err := rows.Scan(&it.URL, &it.FirstSeenAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan discovered")
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list discovered iterate")
}

// --- Failure queue ---

func (s *PostgresStore) RecordFailure(ctx context.Context, item model.FailedItem) error {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_failures (id, url, error_type, error, attempts, retry_count, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		 ON CONFLICT (url) DO UPDATE SET
		   error_type = EXCLUDED.error_type, error = EXCLUDED.error, attempts = EXCLUDED.attempts,
		   retry_count = scrape_failures.retry_count + 1, last_failed_at = EXCLUDED.last_failed_at`,
		item.ID, item.URL, item.ErrorType, item.Error, item.Attempts, now,
	)
	if err != nil {
		return &StorageError{Op: "record failure", Err: err}
	}
	return nil
}

func (s *PostgresStore) ClearFailure(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM scrape_failures WHERE url = $1`, url); err != nil {
		return &StorageError{Op: "clear failure", Err: err}
	}
	return nil
}

func (s *PostgresStore) ListFailures(ctx context.Context) ([]model.FailedItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, error_type, error, attempts, retry_count, created_at, last_failed_at
		 FROM scrape_failures ORDER BY last_failed_at DESC, url ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.FailedItem
	for rows.Next() {
		var f model.FailedItem
		if err := rows.Scan(&f.ID, &f.URL, &f.ErrorType, &f.Error, &f.Attempts, &f.RetryCount, &f.CreatedAt, &f.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}
