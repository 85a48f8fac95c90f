package discovery

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Query parameters that carry a page position. pageParams count pages from
// 1; offsetParams count items from 0.
var (
	pageParams   = []string{"page", "p", "paged", "pg"}
	offsetParams = []string{"offset", "start", "skip"}
)

const (
	pagePlaceholder   = "{page}"
	offsetPlaceholder = "{offset}"
)

// minEndpointStreak is how many consecutive interactions must hit the same
// endpoint pattern before it is recorded.
const minEndpointStreak = 3

// endpointTemplate reduces a data URL to a template with its paging
// parameter replaced by a placeholder. URLs without a paging parameter have
// no template.
func endpointTemplate(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	q := u.Query()

	param, placeholder := "", ""
	for _, p := range pageParams {
		if q.Has(p) {
			param, placeholder = p, pagePlaceholder
			break
		}
	}
	if param == "" {
		for _, p := range offsetParams {
			if q.Has(p) {
				param, placeholder = p, offsetPlaceholder
				break
			}
		}
	}
	if param == "" {
		return "", false
	}
	q.Del(param)
	u.Fragment = ""

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		for _, v := range q[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	parts = append(parts, param+"="+placeholder)
	u.RawQuery = ""
	return u.String() + "?" + strings.Join(parts, "&"), true
}

// expand fills a template for the nth page (from 1) given the number of
// items already returned.
func expand(tmpl string, n, seen int) string {
	if strings.Contains(tmpl, offsetPlaceholder) {
		return strings.Replace(tmpl, offsetPlaceholder, strconv.Itoa(seen), 1)
	}
	return strings.Replace(tmpl, pagePlaceholder, strconv.Itoa(n), 1)
}

// endpointTracker watches the data URLs each interaction triggers and
// reports a template once it repeats minEndpointStreak times in a row.
type endpointTracker struct {
	last   string
	streak int
}

// observe records the URLs one interaction produced. An interaction with no
// templated URL breaks the streak.
func (t *endpointTracker) observe(urls []string) (string, bool) {
	tmpl := ""
	for i := len(urls) - 1; i >= 0; i-- {
		if v, ok := endpointTemplate(urls[i]); ok {
			tmpl = v
			break
		}
	}
	if tmpl == "" {
		t.last, t.streak = "", 0
		return "", false
	}
	if tmpl == t.last {
		t.streak++
	} else {
		t.last, t.streak = tmpl, 1
	}
	return tmpl, t.streak >= minEndpointStreak
}
