// Package memoryrecall implements the try-lock boundary the Session Loop
// must respect when consulting the embedding engine and memory-search
// index (external collaborators, out of scope — spec §1): "the
// embedding-engine mutex must be acquired with try-lock from the loop
// path; on contention, fall back to a reduced-quality path" (spec §5).
// wireloop never implements the index itself, only this contract around
// calling it.
package memoryrecall

import "sync"

// Index is implemented by the external embedding engine / memory-search
// collaborator. Recall may block on its own internal state (disk reads,
// vector search); Gate is what keeps that blocking off the Loop.
type Index interface {
	Recall(sessionID, query string) (context string, ok bool)
}

// Gate wraps an Index with the try-lock discipline: a call that would
// contend with another in-flight recall returns immediately with
// ok=false (the reduced-quality path) rather than blocking the Loop.
type Gate struct {
	mu    sync.Mutex
	index Index
}

func NewGate(index Index) *Gate {
	return &Gate{index: index}
}

// TryRecall attempts to acquire the gate without blocking. ok is false
// either when the gate is already held by another in-flight recall or
// when the underlying Index found nothing for query.
func (g *Gate) TryRecall(sessionID, query string) (context string, ok bool) {
	if g == nil || g.index == nil {
		return "", false
	}
	if !g.mu.TryLock() {
		return "", false
	}
	defer g.mu.Unlock()
	return g.index.Recall(sessionID, query)
}
