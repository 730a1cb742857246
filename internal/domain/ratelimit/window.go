package ratelimit

import "time"

// window counts requests in a trailing time window
type window struct {
	hits []time.Time
}

// take prunes hits older than size, then admits the request if the count is
// under limit. On rejection it reports when the oldest hit leaves the window.
// A limit of zero or less admits nothing; the retry hint is the full window
// because no slot will ever free up.
func (w *window) take(now time.Time, size time.Duration, limit int) (bool, time.Duration) {
	if limit <= 0 {
		return false, size
	}

	horizon := now.Add(-size)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(horizon) {
			kept = append(kept, h)
		}
	}
	w.hits = kept

	if len(w.hits) < limit {
		w.hits = append(w.hits, now)
		return true, 0
	}

	return false, w.hits[0].Sub(horizon)
}
