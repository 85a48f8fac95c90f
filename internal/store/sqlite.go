package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/factbase/internal/index"
	"github.com/sells-group/factbase/internal/model"
)

const dateLayout = "2006-01-02"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Per-connection pragmas travel in the DSN so every pooled connection gets them.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS transcripts (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL UNIQUE,
	title            TEXT NOT NULL DEFAULT '',
	date             TEXT,
	duration_seconds REAL NOT NULL DEFAULT 0,
	segment_count    INTEGER NOT NULL DEFAULT 0,
	top_speakers     TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	transcript_id TEXT NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
	ordinal       INTEGER NOT NULL,
	start_time    REAL NOT NULL DEFAULT 0,
	end_time      REAL,
	speaker       TEXT NOT NULL DEFAULT '',
	text          TEXT NOT NULL,
	word_count    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (transcript_id, ordinal)
);

CREATE TABLE IF NOT EXISTS postings (
	transcript_id TEXT NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
	ordinal       INTEGER NOT NULL,
	field         TEXT NOT NULL,
	token         TEXT NOT NULL,
	position      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_state (
	target         TEXT PRIMARY KEY,
	scroll_cursor  INTEGER NOT NULL DEFAULT 0,
	known_endpoint TEXT NOT NULL DEFAULT '',
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS discovered_items (
	url           TEXT PRIMARY KEY,
	target        TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_failures (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL UNIQUE,
	error_type     TEXT NOT NULL,
	error          TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_postings_token ON postings(token, field);
CREATE INDEX IF NOT EXISTS idx_postings_transcript ON postings(transcript_id);
CREATE INDEX IF NOT EXISTS idx_transcripts_date ON transcripts(date);
CREATE INDEX IF NOT EXISTS idx_segments_speaker ON segments(speaker);
CREATE INDEX IF NOT EXISTS idx_discovered_target ON discovered_items(target, first_seen_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Transcripts ---

func (s *SQLiteStore) UpsertTranscript(ctx context.Context, t *model.Transcript) error {
	if err := t.Validate(); err != nil {
		return &StorageError{Op: "upsert " + t.ID, Err: err}
	}
	if err := s.upsert(ctx, t); err != nil {
		return &StorageError{Op: "upsert " + t.ID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, t *model.Transcript) error {
	now := time.Now().UTC()
	top, err := json.Marshal(t.TopSpeakers(3))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal top speakers")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM postings WHERE transcript_id = ?`, t.ID); err != nil {
		return eris.Wrap(err, "sqlite: delete postings")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE transcript_id = ?`, t.ID); err != nil {
		return eris.Wrap(err, "sqlite: delete segments")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transcripts (id, url, title, date, duration_seconds, segment_count, top_speakers, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   url = excluded.url, title = excluded.title, date = excluded.date,
		   duration_seconds = excluded.duration_seconds, segment_count = excluded.segment_count,
		   top_speakers = excluded.top_speakers, updated_at = excluded.updated_at`,
		t.ID, t.URL, t.Title, formatDate(t.Date), t.DurationSeconds, len(t.Segments), string(top), now, now,
	); err != nil {
		return eris.Wrap(err, "sqlite: upsert transcript")
	}

	segStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO segments (transcript_id, ordinal, start_time, end_time, speaker, text, word_count) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare segment insert")
	}
	defer segStmt.Close()
	for _, seg := range t.Segments {
		if _, err := segStmt.ExecContext(ctx, t.ID, seg.Ordinal, seg.StartTime, seg.EndTime, seg.SpeakerName, seg.Text, wordCount(seg.Text)); err != nil {
			return eris.Wrapf(err, "sqlite: insert segment %d", seg.Ordinal)
		}
	}

	postStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO postings (transcript_id, ordinal, field, token, position) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare posting insert")
	}
	defer postStmt.Close()
	for _, p := range index.Build(t) {
		if _, err := postStmt.ExecContext(ctx, t.ID, p.Ref.Ordinal, string(p.Field), p.Token, p.Position); err != nil {
			return eris.Wrap(err, "sqlite: insert posting")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
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

func (s *SQLiteStore) DeleteTranscript(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "delete " + id, Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM postings WHERE transcript_id = ?`,
		`DELETE FROM segments WHERE transcript_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return &StorageError{Op: "delete " + id, Err: err}
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM transcripts WHERE id = ?`, id)
	if err != nil {
		return &StorageError{Op: "delete " + id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "transcript %s", id)
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "delete " + id, Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListTranscripts(ctx context.Context, filter ListFilter) (*model.Page[model.TranscriptSummary], error) {
	page, size := model.NormalizePaging(filter.Page, filter.PageSize)

	where := ""
	var args []any
	if text := strings.TrimSpace(filter.Text); text != "" {
		where = ` WHERE title LIKE ? OR url LIKE ?`
		like := "%" + text + "%"
		args = append(args, like, like)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcripts`+where, args...).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "sqlite: count transcripts")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, title, date, segment_count, top_speakers FROM transcripts`+where+
			` ORDER BY date DESC NULLS LAST, id ASC LIMIT ? OFFSET ?`,
		append(args, size, (page-1)*size)...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transcripts")
	}
	defer rows.Close()

	var items []model.TranscriptSummary
	for rows.Next() {
		var sum model.TranscriptSummary
		var date sql.NullString
		var top string
		if err := rows.Scan(&sum.ID, &sum.URL, &sum.Title, &date, &sum.SegmentCount, &top); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		sum.Date = parseDate(date)
		sum.TopSpeakers = decodeSpeakers(top)
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list transcripts iterate")
	}
	return finishPage(items, total, page, size), nil
}

func (s *SQLiteStore) IngestedURLs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM transcripts`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: ingested urls")
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan url")
		}
		out[u] = struct{}{}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: ingested urls iterate")
}

func (s *SQLiteStore) HasURL(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM transcripts WHERE url = ?`, url).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: has url")
	}
	return true, nil
}

func (s *SQLiteStore) SpeakerStats(ctx context.Context, limit int) ([]model.SpeakerStat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN speaker = '' THEN ? ELSE speaker END AS name,
		       COUNT(*), COALESCE(SUM(word_count), 0),
		       COALESCE(SUM(CASE WHEN end_time IS NOT NULL AND end_time > start_time THEN end_time - start_time ELSE 0 END), 0) AS seconds
		FROM segments
		GROUP BY name
		ORDER BY seconds DESC, name ASC`, model.UnknownSpeaker)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: speaker stats")
	}
	defer rows.Close()

	var stats []model.SpeakerStat
	var total float64
	for rows.Next() {
		var st model.SpeakerStat
		if err := rows.Scan(&st.Name, &st.Segments, &st.Words, &st.Seconds); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan speaker stat")
		}
		total += st.Seconds
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: speaker stats iterate")
	}
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return finishSpeakerStats(stats, total), nil
}

// --- Index ---

func (s *SQLiteStore) Postings(ctx context.Context, field index.Field, token string) ([]index.Posting, error) {
	q := `SELECT transcript_id, ordinal, field, token, position FROM postings WHERE token = ?`
	args := []any{token}
	if field != "" {
		q += ` AND field = ?`
		args = append(args, string(field))
	}
	return s.queryPostings(ctx, q, args...)
}

func (s *SQLiteStore) PrefixPostings(ctx context.Context, field index.Field, prefix string) ([]index.Posting, error) {
	q := `SELECT transcript_id, ordinal, field, token, position FROM postings WHERE token >= ? AND token < ?`
	args := []any{prefix, prefix + string(utf8.MaxRune)}
	if field != "" {
		q += ` AND field = ?`
		args = append(args, string(field))
	}
	return s.queryPostings(ctx, q, args...)
}

func (s *SQLiteStore) queryPostings(ctx context.Context, q string, args ...any) ([]index.Posting, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query postings")
	}
	defer rows.Close()

	var out []index.Posting
	for rows.Next() {
		var p index.Posting
		var field string
		if err := rows.Scan(&p.Ref.TranscriptID, &p.Ref.Ordinal, &field, &p.Token, &p.Position); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan posting")
		}
		p.Field = index.Field(field)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: postings iterate")
}

// LoadTranscripts reads transcript rows and their segments inside one
// transaction so both come from the same snapshot.
func (s *SQLiteStore) LoadTranscripts(ctx context.Context, ids []string) (map[string]*model.Transcript, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin read tx")
	}
	defer tx.Rollback() //nolint:errcheck

	out := make(map[string]*model.Transcript, len(ids))
	for _, part := range chunk(ids, idChunk) {
		in, args := inClause(part)

		rows, err := tx.QueryContext(ctx,
			`SELECT id, url, title, date, duration_seconds, created_at, updated_at FROM transcripts WHERE id IN (`+in+`)`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: load transcripts")
		}
		for rows.Next() {
			var t model.Transcript
			var date sql.NullString
			if err := rows.Scan(&t.ID, &t.URL, &t.Title, &date, &t.DurationSeconds, &t.CreatedAt, &t.UpdatedAt); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan transcript")
			}
			t.Date = parseDate(date)
			t.Segments = []model.Segment{}
			out[t.ID] = &t
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: load transcripts iterate")
		}

		segRows, err := tx.QueryContext(ctx,
			`SELECT transcript_id, ordinal, start_time, end_time, speaker, text FROM segments
			 WHERE transcript_id IN (`+in+`) ORDER BY transcript_id, ordinal`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: load segments")
		}
		for segRows.Next() {
			var id string
			var seg model.Segment
			var end sql.NullFloat64
			if err := segRows.Scan(&id, &seg.Ordinal, &seg.StartTime, &end, &seg.SpeakerName, &seg.Text); err != nil {
				segRows.Close()
				return nil, eris.Wrap(err, "sqlite: scan segment")
			}
			if end.Valid {
				v := end.Float64
				seg.EndTime = &v
			}
			assemble(out, id, seg)
		}
		segRows.Close()
		if err := segRows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: load segments iterate")
		}
	}
	return out, eris.Wrap(tx.Commit(), "sqlite: commit read tx")
}

// --- Crawl state ---

func (s *SQLiteStore) LoadCrawlState(ctx context.Context, target string) (*model.CrawlState, error) {
	st := model.NewCrawlState(target)

	err := s.db.QueryRowContext(ctx,
		`SELECT scroll_cursor, known_endpoint, updated_at FROM crawl_state WHERE target = ?`, target,
	).Scan(&st.ScrollCursor, &st.KnownEndpoint, &st.UpdatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "sqlite: load crawl state")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT url FROM discovered_items WHERE target = ?`, target)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load visited")
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan visited")
		}
		st.Mark(u)
	}
	return st, eris.Wrap(rows.Err(), "sqlite: load visited iterate")
}

func (s *SQLiteStore) SaveCrawlState(ctx context.Context, st *model.CrawlState, items []model.DiscoveredItem) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "save crawl state", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discovered_items (url, target, first_seen_at) VALUES (?, ?, ?) ON CONFLICT (url) DO NOTHING`,
			it.URL, st.Target, it.FirstSeenAt.UTC(),
		); err != nil {
			return &StorageError{Op: "append discovered", Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO crawl_state (target, scroll_cursor, known_endpoint, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (target) DO UPDATE SET
		   scroll_cursor = excluded.scroll_cursor, known_endpoint = excluded.known_endpoint, updated_at = excluded.updated_at`,
		st.Target, st.ScrollCursor, st.KnownEndpoint, now,
	); err != nil {
		return &StorageError{Op: "save crawl state", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "save crawl state", Err: err}
	}
	st.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ListDiscovered(ctx context.Context, target string) ([]model.DiscoveredItem, error) {
	q := `SELECT url, first_seen_at FROM discovered_items`
	var args []any
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY first_seen_at ASC, url ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list discovered")
	}
	defer rows.Close()

	var out []model.DiscoveredItem
	for rows.Next() {
		var it model.DiscoveredItem
		if err := rows.Scan(&it.URL, &it.FirstSeenAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan discovered")
		}
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list discovered iterate")
}

// --- Failure queue ---

func (s *SQLiteStore) RecordFailure(ctx context.Context, item model.FailedItem) error {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_failures (id, url, error_type, error, attempts, retry_count, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
		   error_type = excluded.error_type, error = excluded.error, attempts = excluded.attempts,
		   retry_count = scrape_failures.retry_count + 1, last_failed_at = excluded.last_failed_at`,
		item.ID, item.URL, item.ErrorType, item.Error, item.Attempts, now, now,
	)
	if err != nil {
		return &StorageError{Op: "record failure", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ClearFailure(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scrape_failures WHERE url = ?`, url)
	if err != nil {
		return &StorageError{Op: "clear failure", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListFailures(ctx context.Context) ([]model.FailedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, error_type, error, attempts, retry_count, created_at, last_failed_at
		 FROM scrape_failures ORDER BY last_failed_at DESC, url ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close()

	var out []model.FailedItem
	for rows.Next() {
		var f model.FailedItem
		if err := rows.Scan(&f.ID, &f.URL, &f.ErrorType, &f.Error, &f.Attempts, &f.RetryCount, &f.CreatedAt, &f.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

// helpers

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func formatDate(d *time.Time) any {
	if d == nil {
		return nil
	}
	return d.Format(dateLayout)
}

func parseDate(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := time.Parse(dateLayout, s.String)
	if err != nil {
		return nil
	}
	return &d
}

func decodeSpeakers(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}
