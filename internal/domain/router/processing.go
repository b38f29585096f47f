package router

import "time"

// processingEntry marks one agent as busy: set on delivery, cleared by the
// agent's next SEND or by the timeout sweep.
type processingEntry struct {
	startedAt time.Time
	messageID string
	timer     *time.Timer
}

func (r *Router) setProcessingLocked(name, messageID string) {
	if prev, ok := r.processing[name]; ok {
		prev.timer.Stop()
	}
	e := &processingEntry{
		startedAt: time.Now(),
		messageID: messageID,
	}
	e.timer = time.AfterFunc(r.cfg.processingTimeout, func() { r.sweepProcessing(name, e) })
	r.processing[name] = e
	r.notifyProcessingLocked()
}

func (r *Router) clearProcessingLocked(name string) {
	e, ok := r.processing[name]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(r.processing, name)
	r.notifyProcessingLocked()
}

// sweepProcessing fires when an agent stays silent past the timeout. The
// callback may already be in flight when its entry is replaced (Stop cannot
// cancel it then), so it only clears the exact entry that armed it.
func (r *Router) sweepProcessing(name string, e *processingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if cur, ok := r.processing[name]; !ok || cur != e {
		return
	}
	r.log.Debug("PROCESSING_TIMED_OUT", "name", name)
	r.clearProcessingLocked(name)
}

// IsProcessing reports whether the named agent currently owes a response.
func (r *Router) IsProcessing(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processing[name]
	return ok
}
