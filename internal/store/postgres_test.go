package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/index"
	"github.com/sells-group/factbase/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_UpsertTranscript(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tr := sampleTranscript("t1", "immigration policy", "thank you")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM postings WHERE transcript_id = \$1`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec(`DELETE FROM segments WHERE transcript_id = \$1`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO transcripts .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("t1", tr.URL, tr.Title, tr.Date, tr.DurationSeconds, 2, `["Donald Trump"]`, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"segments"}, segmentColumns).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"postings"}, postingColumns).WillReturnResult(int64(len(index.Build(tr))))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertTranscript(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertTranscript_CopyFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	tr := sampleTranscript("t1", "x")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM postings`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM segments`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO transcripts`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"segments"}, segmentColumns).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	err := s.UpsertTranscript(context.Background(), tr)
	require.Error(t, err)
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "COPY INTO segments")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTranscript_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, url, title, date, duration_seconds, created_at, updated_at FROM transcripts WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"missing"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "title", "date", "duration_seconds", "created_at", "updated_at"}))
	mock.ExpectQuery(`SELECT transcript_id, ordinal, start_time, end_time, speaker, text FROM segments`).
		WithArgs([]string{"missing"}).
		WillReturnRows(pgxmock.NewRows([]string{"transcript_id", "ordinal", "start_time", "end_time", "speaker", "text"}))

	_, err := s.GetTranscript(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteTranscript(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM transcripts WHERE id = \$1`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM transcripts WHERE id = \$1`).WithArgs("t1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.DeleteTranscript(context.Background(), "t1"))
	err := s.DeleteTranscript(context.Background(), "t1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HasURL(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("https://a").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasURL(context.Background(), "https://a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Postings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM postings WHERE token = \$1 AND field = \$2`).
		WithArgs("immigration", "text").
		WillReturnRows(pgxmock.NewRows([]string{"transcript_id", "ordinal", "field", "token", "position"}).
			AddRow("t1", 0, "text", "immigration", 3).
			AddRow("t2", 4, "text", "immigration", 0))

	ps, err := s.Postings(context.Background(), index.FieldText, "immigration")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, index.Posting{Ref: index.SegmentRef{TranscriptID: "t1", Ordinal: 0}, Field: index.FieldText, Token: "immigration", Position: 3}, ps[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PrefixPostings_AnyField(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM postings WHERE token >= \$1 AND token < \$2$`).
		WithArgs("immigra", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"transcript_id", "ordinal", "field", "token", "position"}).
			AddRow("t1", 2, "title", "immigrants", 1))

	ps, err := s.PrefixPostings(context.Background(), "", "immigra")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, index.FieldTitle, ps[0].Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAndClearFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO scrape_failures .* ON CONFLICT \(url\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "https://a", "transient", "503", 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM scrape_failures WHERE url = \$1`).WithArgs("https://a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ctx := context.Background()
	require.NoError(t, s.RecordFailure(ctx, model.FailedItem{URL: "https://a", ErrorType: "transient", Error: "503", Attempts: 3}))
	require.NoError(t, s.ClearFailure(ctx, "https://a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCrawlState_NoItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := model.NewCrawlState("https://list")
	st.ScrollCursor = 3

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO crawl_state .* ON CONFLICT \(target\)`).
		WithArgs("https://list", 3, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveCrawlState(context.Background(), st, nil))
	assert.False(t, st.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	called := false
	s := &PostgresStore{closeFn: func() { called = true }}
	require.NoError(t, s.Close())
	assert.True(t, called)
}
