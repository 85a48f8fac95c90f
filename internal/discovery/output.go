package discovery

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

type urlLine struct {
	URL string `json:"url"`
}

// writeURLs rewrites path with one {"url": ...} object per line.
func writeURLs(path string, urls []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "discovery: create out dir")
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrap(err, "discovery: create url file")
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, u := range urls {
		if err := enc.Encode(urlLine{URL: u}); err != nil {
			f.Close() //nolint:errcheck
			return eris.Wrap(err, "discovery: encode url")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrap(err, "discovery: flush url file")
	}
	if err := f.Close(); err != nil {
		return eris.Wrap(err, "discovery: close url file")
	}
	return eris.Wrap(os.Rename(tmp, path), "discovery: rename url file")
}

// ReadURLs loads a discovered_urls.jsonl file.
func ReadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: open url file")
	}
	defer f.Close() //nolint:errcheck

	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var l urlLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return nil, eris.Wrapf(err, "discovery: decode %s", path)
		}
		if l.URL != "" {
			out = append(out, l.URL)
		}
	}
	return out, eris.Wrap(sc.Err(), "discovery: read url file")
}
