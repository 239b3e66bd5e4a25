package client

import "sync"

// Deduplicator tracks which message ids have already been applied to each
// session view. It guards against the server echo of an optimistic local
// insert and against replayed deliveries after a reconnect resync.
//
// The per-session id set is bounded; once full, ids are evicted FIFO by
// arrival. Deduplication is strictly id-based — content or timestamp
// proximity is never consulted.
type Deduplicator struct {
	mu    sync.Mutex
	limit int
	seen  map[string]map[string]struct{}
	order map[string][]string
}

// NewDeduplicator creates a deduplicator keeping at most limit ids per
// session. A non-positive limit falls back to 500.
func NewDeduplicator(limit int) *Deduplicator {
	if limit <= 0 {
		limit = 500
	}
	return &Deduplicator{
		limit: limit,
		seen:  make(map[string]map[string]struct{}),
		order: make(map[string][]string),
	}
}

// Observe records a message id for the session. It returns true the first
// time the id is seen and false for every repeat.
func (d *Deduplicator) Observe(sessionID, messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids, ok := d.seen[sessionID]
	if !ok {
		ids = make(map[string]struct{})
		d.seen[sessionID] = ids
	}
	if _, dup := ids[messageID]; dup {
		return false
	}

	ids[messageID] = struct{}{}
	d.order[sessionID] = append(d.order[sessionID], messageID)

	if len(d.order[sessionID]) > d.limit {
		oldest := d.order[sessionID][0]
		d.order[sessionID] = d.order[sessionID][1:]
		delete(ids, oldest)
	}
	return true
}

// Forget drops all tracked ids for a session, e.g. after SESSION_DELETED.
func (d *Deduplicator) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, sessionID)
	delete(d.order, sessionID)
}
