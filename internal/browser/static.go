package browser

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/factbase/internal/fetcher"
)

// Static is a script-free Browser over plain HTTP. Loading more content
// follows rel=next or a load-more link and appends the next document, the
// way an infinite scroll grows the DOM.
type Static struct {
	fetch      fetcher.Fetcher
	loadLabels []string

	mu       sync.Mutex
	pages    []*page
	observed []string
}

type page struct {
	url  *url.URL
	raw  []byte
	doc  *goquery.Document // nil for non-HTML bodies
	json bool
}

// NewStatic creates a Static browser. loadMoreLabels match link text
// case-insensitively when a page has no rel=next.
func NewStatic(f fetcher.Fetcher, loadMoreLabels []string) *Static {
	return &Static{fetch: f, loadLabels: loadMoreLabels}
}

func (s *Static) Navigate(ctx context.Context, rawURL string, timeout time.Duration) (int, error) {
	p, status, err := s.load(ctx, rawURL, timeout)
	if err != nil {
		return status, err
	}
	s.mu.Lock()
	s.pages = []*page{p}
	s.mu.Unlock()
	return status, nil
}

func (s *Static) load(ctx context.Context, rawURL string, timeout time.Duration) (*page, int, error) {
	resp, err := s.fetch.Get(ctx, rawURL, timeout)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "static: load %s", rawURL)
	}
	final, err := url.Parse(resp.FinalURL)
	if err != nil {
		return nil, resp.Status, eris.Wrap(err, "static: parse final url")
	}

	p := &page{url: final, raw: resp.Body}
	ct := resp.Header.Get("Content-Type")
	trimmed := bytes.TrimSpace(resp.Body)
	if strings.Contains(ct, "json") || bytes.HasPrefix(trimmed, []byte("{")) || bytes.HasPrefix(trimmed, []byte("[")) {
		p.json = true
		return p, resp.Status, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, resp.Status, eris.Wrap(err, "static: parse html")
	}
	p.doc = doc
	return p, resp.Status, nil
}

func (s *Static) HTML(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, p := range s.pages {
		b.Write(p.raw)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// jsonURL finds absolute or site-relative URLs inside JSON string values.
var jsonURL = regexp.MustCompile(`(?:https?:)?(?:\\?/){1,2}[^\s"'<>]+`)

func (s *Static) Links(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, p := range s.pages {
		if p.json {
			for _, m := range jsonURL.FindAllString(string(p.raw), -1) {
				m = strings.TrimRight(strings.ReplaceAll(m, `\/`, "/"), `\`)
				if abs := resolve(p.url, m); abs != "" {
					out = append(out, abs)
				}
			}
			continue
		}
		p.doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			if abs := resolve(p.url, href); abs != "" {
				out = append(out, abs)
			}
		})
	}
	return out, nil
}

func (s *Static) Interact(ctx context.Context, a Action, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if len(s.pages) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	last := s.pages[len(s.pages)-1]
	s.mu.Unlock()

	next := s.nextURL(last, a)
	if next == "" {
		return false, nil
	}

	p, _, err := s.load(ctx, next, timeout)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.observed = append(s.observed, next)
	s.mu.Unlock()
	return true, nil
}

// nextURL finds the continuation link an action would trigger.
func (s *Static) nextURL(p *page, a Action) string {
	if p.doc == nil {
		return ""
	}
	var href string
	switch act := a.(type) {
	case ClickSelector:
		href, _ = p.doc.Find(act.Selector).First().Attr("href")
	case ClickText:
		href = s.labelHref(p.doc, act.Labels)
	case ScrollBottom:
		if h, ok := p.doc.Find(`link[rel="next"], a[rel="next"]`).First().Attr("href"); ok {
			href = h
		} else {
			href = s.labelHref(p.doc, s.loadLabels)
		}
	}
	return resolve(p.url, href)
}

func (s *Static) labelHref(doc *goquery.Document, labels []string) string {
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(sel.Text()))
		if text == "" {
			return true
		}
		for _, l := range labels {
			if strings.Contains(text, strings.ToLower(l)) {
				href, _ = sel.Attr("href")
				return false
			}
		}
		return true
	})
	return href
}

func (s *Static) WaitForChange(ctx context.Context, pred Predicate, timeout time.Duration) error {
	return waitFor(ctx, pred, timeout)
}

func (s *Static) Observed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.observed
	s.observed = nil
	return out
}

func (s *Static) Close() error { return nil }

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
