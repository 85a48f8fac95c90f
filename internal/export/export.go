// Package export writes the stored transcripts to flat files for offline use.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/factbase/internal/model"
	"github.com/sells-group/factbase/internal/store"
)

// Output file names.
const (
	TranscriptsJSONL = "transcripts.jsonl"
	SegmentsJSONL    = "segments.jsonl"
	TranscriptsCSV   = "transcripts.csv"
	SegmentsCSV      = "segments.csv"
	WorkbookXLSX     = "transcripts.xlsx"
)

const batchSize = model.MaxPageSize

// Store is what Export reads from.
type Store interface {
	ListTranscripts(ctx context.Context, filter store.ListFilter) (*model.Page[model.TranscriptSummary], error)
	LoadTranscripts(ctx context.Context, ids []string) (map[string]*model.Transcript, error)
}

// Summary counts what was exported.
type Summary struct {
	Transcripts int      `json:"transcripts"`
	Segments    int      `json:"segments"`
	Files       []string `json:"files"`
}

type transcriptRow struct {
	ID              string  `json:"id" csv:"id"`
	URL             string  `json:"url" csv:"url"`
	Title           string  `json:"title" csv:"title"`
	Date            string  `json:"date,omitempty" csv:"date,omitempty"`
	DurationSeconds float64 `json:"duration_seconds" csv:"duration_seconds"`
	Segments        int     `json:"segments" csv:"segments"`
	TopSpeakers     string  `json:"top_speakers" csv:"top_speakers"`
	CreatedAt       string  `json:"created_at,omitempty" csv:"created_at,omitempty"`
}

type segmentRow struct {
	TranscriptID string   `json:"transcript_id" csv:"transcript_id"`
	Ordinal      int      `json:"segment_order" csv:"segment_order"`
	SpeakerName  string   `json:"speaker_name" csv:"speaker_name"`
	StartTime    float64  `json:"start_time" csv:"start_time"`
	EndTime      *float64 `json:"end_time" csv:"end_time,omitempty"`
	Duration     float64  `json:"duration" csv:"duration"`
	Text         string   `json:"text" csv:"text"`
}

var (
	transcriptHeader = []string{"id", "url", "title", "date", "duration_seconds", "segments", "top_speakers", "created_at"}
	segmentHeader    = []string{"transcript_id", "segment_order", "speaker_name", "start_time", "end_time", "duration", "text"}
)

// Export writes every stored transcript, newest first, to outDir as JSONL,
// CSV and one XLSX workbook.
func Export(ctx context.Context, st Store, outDir string) (*Summary, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "export: create out dir")
	}
	w, err := newWriters(outDir)
	if err != nil {
		return nil, err
	}
	defer w.close()

	sum := &Summary{}
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "export: cancelled")
		}
		list, err := st.ListTranscripts(ctx, store.ListFilter{Page: page, PageSize: batchSize})
		if err != nil {
			return nil, eris.Wrap(err, "export: list transcripts")
		}
		if len(list.Items) == 0 {
			break
		}
		ids := make([]string, len(list.Items))
		for i, it := range list.Items {
			ids[i] = it.ID
		}
		docs, err := st.LoadTranscripts(ctx, ids)
		if err != nil {
			return nil, eris.Wrap(err, "export: load transcripts")
		}
		for _, id := range ids {
			t, ok := docs[id]
			if !ok {
				continue
			}
			if err := w.write(t); err != nil {
				return nil, err
			}
			sum.Transcripts++
			sum.Segments += len(t.Segments)
		}
		if page*batchSize >= list.Total {
			break
		}
	}

	if err := w.finish(); err != nil {
		return nil, err
	}
	sum.Files = w.paths
	zap.L().Info("export complete",
		zap.String("out_dir", outDir),
		zap.Int("transcripts", sum.Transcripts),
		zap.Int("segments", sum.Segments),
	)
	return sum, nil
}

func toTranscriptRow(t *model.Transcript) transcriptRow {
	r := transcriptRow{
		ID:              t.ID,
		URL:             t.URL,
		Title:           t.Title,
		DurationSeconds: t.DurationSeconds,
		Segments:        len(t.Segments),
		TopSpeakers:     strings.Join(t.TopSpeakers(3), "; "),
	}
	if t.Date != nil {
		r.Date = t.Date.Format(time.DateOnly)
	}
	if !t.CreatedAt.IsZero() {
		r.CreatedAt = t.CreatedAt.UTC().Format(time.RFC3339)
	}
	return r
}

func toSegmentRow(id string, s model.Segment) segmentRow {
	return segmentRow{
		TranscriptID: id,
		Ordinal:      s.Ordinal,
		SpeakerName:  s.SpeakerName,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		Duration:     s.Duration(),
		Text:         s.Text,
	}
}

// writers fans each transcript out to every output format.
type writers struct {
	dir   string
	files []*os.File
	bufs  []*bufio.Writer
	paths []string

	tJSON, sJSON *json.Encoder
	tCSVw, sCSVw *csv.Writer
	tCSV, sCSV   *csvutil.Encoder

	book           *xlsx.File
	tSheet, sSheet *xlsx.Sheet
}

func newWriters(dir string) (*writers, error) {
	w := &writers{dir: dir}
	open := func(name string) (*bufio.Writer, error) {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, eris.Wrapf(err, "export: create %s", name)
		}
		b := bufio.NewWriter(f)
		w.files = append(w.files, f)
		w.bufs = append(w.bufs, b)
		w.paths = append(w.paths, filepath.Join(dir, name))
		return b, nil
	}

	tj, err := open(TranscriptsJSONL)
	if err != nil {
		return nil, err
	}
	sj, err := open(SegmentsJSONL)
	if err != nil {
		w.close()
		return nil, err
	}
	tc, err := open(TranscriptsCSV)
	if err != nil {
		w.close()
		return nil, err
	}
	sc, err := open(SegmentsCSV)
	if err != nil {
		w.close()
		return nil, err
	}

	w.tJSON = json.NewEncoder(tj)
	w.sJSON = json.NewEncoder(sj)
	w.tCSVw = csv.NewWriter(tc)
	w.sCSVw = csv.NewWriter(sc)
	w.tCSV = csvutil.NewEncoder(w.tCSVw)
	w.sCSV = csvutil.NewEncoder(w.sCSVw)
	if err := w.tCSV.EncodeHeader(transcriptRow{}); err != nil {
		w.close()
		return nil, eris.Wrap(err, "export: transcripts csv header")
	}
	if err := w.sCSV.EncodeHeader(segmentRow{}); err != nil {
		w.close()
		return nil, eris.Wrap(err, "export: segments csv header")
	}

	w.book = xlsx.NewFile()
	if w.tSheet, err = w.book.AddSheet("transcripts"); err != nil {
		w.close()
		return nil, eris.Wrap(err, "export: add transcripts sheet")
	}
	if w.sSheet, err = w.book.AddSheet("segments"); err != nil {
		w.close()
		return nil, eris.Wrap(err, "export: add segments sheet")
	}
	addRow(w.tSheet, transcriptHeader...)
	addRow(w.sSheet, segmentHeader...)
	return w, nil
}

func (w *writers) write(t *model.Transcript) error {
	tr := toTranscriptRow(t)
	if err := w.tJSON.Encode(tr); err != nil {
		return eris.Wrapf(err, "export: encode transcript %s", t.ID)
	}
	if err := w.tCSV.Encode(tr); err != nil {
		return eris.Wrapf(err, "export: csv transcript %s", t.ID)
	}
	row := w.tSheet.AddRow()
	row.AddCell().SetString(tr.ID)
	row.AddCell().SetString(tr.URL)
	row.AddCell().SetString(tr.Title)
	row.AddCell().SetString(tr.Date)
	row.AddCell().SetFloat(tr.DurationSeconds)
	row.AddCell().SetInt(tr.Segments)
	row.AddCell().SetString(tr.TopSpeakers)
	row.AddCell().SetString(tr.CreatedAt)

	for _, s := range t.Segments {
		sr := toSegmentRow(t.ID, s)
		if err := w.sJSON.Encode(sr); err != nil {
			return eris.Wrapf(err, "export: encode segment %s/%d", t.ID, s.Ordinal)
		}
		if err := w.sCSV.Encode(sr); err != nil {
			return eris.Wrapf(err, "export: csv segment %s/%d", t.ID, s.Ordinal)
		}
		row := w.sSheet.AddRow()
		row.AddCell().SetString(sr.TranscriptID)
		row.AddCell().SetInt(sr.Ordinal)
		row.AddCell().SetString(sr.SpeakerName)
		row.AddCell().SetFloat(sr.StartTime)
		if sr.EndTime != nil {
			row.AddCell().SetFloat(*sr.EndTime)
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetFloat(sr.Duration)
		row.AddCell().SetString(sr.Text)
	}
	return nil
}

// finish flushes the text outputs and saves the workbook.
func (w *writers) finish() error {
	w.tCSVw.Flush()
	w.sCSVw.Flush()
	if err := w.tCSVw.Error(); err != nil {
		return eris.Wrap(err, "export: flush transcripts csv")
	}
	if err := w.sCSVw.Error(); err != nil {
		return eris.Wrap(err, "export: flush segments csv")
	}
	for i, b := range w.bufs {
		if err := b.Flush(); err != nil {
			return eris.Wrapf(err, "export: flush %s", w.paths[i])
		}
	}
	path := filepath.Join(w.dir, WorkbookXLSX)
	if err := w.book.Save(path); err != nil {
		return eris.Wrap(err, "export: save workbook")
	}
	w.paths = append(w.paths, path)
	return nil
}

func (w *writers) close() {
	for _, f := range w.files {
		f.Close() //nolint:errcheck
	}
	w.files = nil
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}
