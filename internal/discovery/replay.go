package discovery

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// replay pages the recorded endpoint directly, skipping DOM interaction.
// It reports false when the endpoint yielded nothing, so the caller falls
// back to crawling the listing.
func (e *Engine) replay(ctx context.Context, r *run) (bool, error) {
	tmpl := r.st.KnownEndpoint
	log := r.log.With(zap.String("endpoint", tmpl))
	log.Info("replaying known endpoint")

	seen := make(map[string]bool)
	pages := 0
	for n := 1; n <= maxReplayPages && !r.full(); n++ {
		if ctx.Err() != nil {
			break
		}
		u := expand(tmpl, n, len(seen))
		status, err := e.opts.Replay.Navigate(ctx, u, e.opts.NavTimeout)
		if err != nil || status >= 400 {
			if pages == 0 {
				if err == nil {
					err = eris.Errorf("discovery: endpoint returned status %d", status)
				}
				return false, eris.Wrapf(err, "discovery: replay %s", u)
			}
			// A failing page past the first is the end of the listing.
			break
		}
		links, err := e.opts.Replay.Links(ctx)
		if err != nil {
			return pages > 0, eris.Wrapf(err, "discovery: replay links %s", u)
		}

		added := 0
		var page []string
		for _, l := range links {
			if nu, ok := e.opts.Filter.Match(l); ok && !seen[nu] {
				seen[nu] = true
				page = append(page, l)
				added++
			}
		}
		if added == 0 {
			break
		}
		pages++
		fresh := e.collect(r, page)
		r.st.ScrollCursor++
		if pages%e.opts.CheckpointEvery == 0 {
			if err := e.checkpoint(ctx, r); err != nil {
				log.Error("checkpoint failed", zap.Error(err))
			}
		}
		log.Debug("replayed page", zap.Int("page", n), zap.Int("links", added), zap.Int("new", fresh))
	}
	e.opts.Replay.Observed()

	if pages == 0 {
		return false, nil
	}
	log.Info("endpoint replay complete", zap.Int("pages", pages), zap.Int("new", len(r.items)))
	return true, nil
}
