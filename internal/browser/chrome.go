package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ChromeOptions configures the headless session.
type ChromeOptions struct {
	Headless  bool
	UserAgent string
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// blockedResources are never downloaded; listings only need markup and XHR.
var blockedResources = []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.woff", "*.woff2", "*.ttf", "*.mp4"}

// Chrome drives a real browser through the DevTools protocol.
type Chrome struct {
	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc

	mu       sync.Mutex
	observed []string
}

// NewChrome launches Chrome. Launch failures wrap ErrUnavailable.
func NewChrome(ctx context.Context, opts ChromeOptions) (*Chrome, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.WindowSize(1366, 900),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	bctx, cancel := chromedp.NewContext(allocCtx)

	c := &Chrome{ctx: bctx, cancel: cancel, cancelAlloc: cancelAlloc}

	// The first Run starts the browser.
	if err := chromedp.Run(bctx); err != nil {
		c.Close() //nolint:errcheck
		return nil, eris.Wrapf(ErrUnavailable, "launch chrome: %v", err)
	}

	chromedp.ListenTarget(bctx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok {
			if e.Type == network.ResourceTypeXHR || e.Type == network.ResourceTypeFetch ||
				strings.Contains(e.Response.MimeType, "json") {
				c.record(e.Response.URL)
			}
		}
	})

	if err := chromedp.Run(bctx, network.Enable(), network.SetBlockedURLS(blockedResources)); err != nil {
		c.Close() //nolint:errcheck
		return nil, eris.Wrapf(ErrUnavailable, "enable network domain: %v", err)
	}

	zap.L().Info("chrome session started", zap.Bool("headless", opts.Headless))
	return c, nil
}

func (c *Chrome) record(u string) {
	c.mu.Lock()
	c.observed = append(c.observed, u)
	c.mu.Unlock()
}

// run executes actions on the session, bounded by both ctx and timeout.
func (c *Chrome) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(tctx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (c *Chrome) Navigate(ctx context.Context, url string, timeout time.Duration) (int, error) {
	tctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(tctx, chromedp.Navigate(url))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, eris.Wrapf(ErrTimeout, "navigate %s", url)
		}
		return 0, eris.Wrapf(err, "navigate %s", url)
	}
	if resp == nil {
		return 0, nil
	}
	return int(resp.Status), nil
}

func (c *Chrome) HTML(ctx context.Context) (string, error) {
	var html string
	err := c.run(ctx, 10*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, eris.Wrap(err, "chrome: read html")
}

const linksScript = `Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`

func (c *Chrome) Links(ctx context.Context) ([]string, error) {
	var links []string
	err := c.run(ctx, 10*time.Second, chromedp.Evaluate(linksScript, &links))
	return links, eris.Wrap(err, "chrome: read links")
}

func (c *Chrome) Interact(ctx context.Context, a Action, timeout time.Duration) (bool, error) {
	script, err := actionScript(a)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := c.run(ctx, timeout, chromedp.Evaluate(script, &ok)); err != nil {
		return false, eris.Wrap(err, "chrome: interact")
	}
	return ok, nil
}

func (c *Chrome) WaitForChange(ctx context.Context, pred Predicate, timeout time.Duration) error {
	return waitFor(ctx, pred, timeout)
}

func (c *Chrome) Observed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.observed
	c.observed = nil
	return out
}

func (c *Chrome) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.cancelAlloc != nil {
		c.cancelAlloc()
	}
	return nil
}

// actionScript renders a as a JS expression evaluating to true when the
// interaction happened.
func actionScript(a Action) (string, error) {
	switch act := a.(type) {
	case ScrollBottom:
		return `(() => { window.scrollTo(0, document.body.scrollHeight); return true; })()`, nil
	case ClickSelector:
		sel, err := json.Marshal(act.Selector)
		if err != nil {
			return "", eris.Wrap(err, "chrome: encode selector")
		}
		return `(() => { const el = document.querySelector(` + string(sel) + `);
			if (!el) return false; el.scrollIntoView(); el.click(); return true; })()`, nil
	case ClickText:
		labels := make([]string, len(act.Labels))
		for i, l := range act.Labels {
			labels[i] = strings.ToLower(l)
		}
		enc, err := json.Marshal(labels)
		if err != nil {
			return "", eris.Wrap(err, "chrome: encode labels")
		}
		return `(() => { const labels = ` + string(enc) + `;
			const els = Array.from(document.querySelectorAll('button, a, [role="button"]'));
			const el = els.find(e => { const t = (e.innerText || '').trim().toLowerCase();
				return t && labels.some(l => t.includes(l)); });
			if (!el) return false; el.scrollIntoView(); el.click(); return true; })()`, nil
	default:
		return "", eris.Errorf("chrome: unsupported action %T", a)
	}
}
