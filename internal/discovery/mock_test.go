package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/factbase/internal/browser"
	"github.com/sells-group/factbase/internal/model"
)

const testPattern = `^https?://(www\.)?rollcall\.com/factbase/.+/transcript/[a-z0-9\-]+/?$`

func item(slug string) string {
	return "https://rollcall.com/factbase/trump/transcript/" + slug + "/"
}

// fakeBrowser reveals one batch of links per successful load-more click
// or scroll.
type fakeBrowser struct {
	batches [][]string
	shown   int

	loadMore       bool // a load-more control is present while batches remain
	scrollAlways   bool // scrolling reports an action even at the end
	stuck          bool // load-more is always clickable but never loads
	consentErr     error
	navFailures    int
	navErr         error
	endpoint       string // observed data URL per load, with %d for the page
	onAdvance      func(n int)
	advances       int
	navCalls       int
	consentClicked int
	observed       []string
}

var _ browser.Browser = (*fakeBrowser)(nil)

func (f *fakeBrowser) Navigate(_ context.Context, _ string, _ time.Duration) (int, error) {
	f.navCalls++
	if f.navErr != nil {
		return 0, f.navErr
	}
	if f.navCalls <= f.navFailures {
		return 0, browser.ErrTimeout
	}
	f.shown = 1
	return 200, nil
}

func (f *fakeBrowser) HTML(_ context.Context) (string, error) {
	return "<html><body>listing</body></html>", nil
}

func (f *fakeBrowser) Links(_ context.Context) ([]string, error) {
	var out []string
	for _, b := range f.batches[:min(f.shown, len(f.batches))] {
		out = append(out, b...)
	}
	return out, nil
}

func (f *fakeBrowser) reveal() bool {
	if f.shown >= len(f.batches) {
		return false
	}
	f.shown++
	if f.endpoint != "" {
		f.observed = append(f.observed, fmt.Sprintf(f.endpoint, f.shown))
	}
	return true
}

func (f *fakeBrowser) Interact(_ context.Context, a browser.Action, _ time.Duration) (bool, error) {
	switch act := a.(type) {
	case browser.ClickText:
		if act.Labels[0] == "Accept" {
			if f.consentErr != nil {
				return false, f.consentErr
			}
			f.consentClicked++
			return true, nil
		}
		f.advances++
		if f.onAdvance != nil {
			f.onAdvance(f.advances)
		}
		if f.stuck {
			return true, nil
		}
		if !f.loadMore {
			return false, nil
		}
		return f.reveal(), nil
	case browser.ScrollBottom:
		if f.loadMore || f.stuck {
			return false, nil
		}
		if f.reveal() {
			return true, nil
		}
		return f.scrollAlways, nil
	}
	return false, nil
}

func (f *fakeBrowser) WaitForChange(ctx context.Context, pred browser.Predicate, _ time.Duration) error {
	ok, err := pred(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return browser.ErrTimeout
	}
	return nil
}

func (f *fakeBrowser) Observed() []string {
	out := f.observed
	f.observed = nil
	return out
}

func (f *fakeBrowser) Close() error { return nil }

// mockStateStore implements store.StateStore in memory.
type mockStateStore struct {
	mu       sync.Mutex
	states   map[string]model.CrawlState
	items    map[string][]model.DiscoveredItem
	saves    int
	lastSave []model.DiscoveredItem
	saveErr  error
}

func newMockStateStore() *mockStateStore {
	return &mockStateStore{
		states: make(map[string]model.CrawlState),
		items:  make(map[string][]model.DiscoveredItem),
	}
}

func (m *mockStateStore) LoadCrawlState(_ context.Context, target string) (*model.CrawlState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := model.NewCrawlState(target)
	if saved, ok := m.states[target]; ok {
		st.ScrollCursor = saved.ScrollCursor
		st.KnownEndpoint = saved.KnownEndpoint
	}
	for _, it := range m.items[target] {
		st.Mark(it.URL)
	}
	return st, nil
}

func (m *mockStateStore) SaveCrawlState(_ context.Context, st *model.CrawlState, items []model.DiscoveredItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.lastSave = items
	m.states[st.Target] = model.CrawlState{
		Target:        st.Target,
		ScrollCursor:  st.ScrollCursor,
		KnownEndpoint: st.KnownEndpoint,
	}
	m.items[st.Target] = append(m.items[st.Target], items...)
	return nil
}

func (m *mockStateStore) ListDiscovered(_ context.Context, target string) ([]model.DiscoveredItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DiscoveredItem(nil), m.items[target]...), nil
}
