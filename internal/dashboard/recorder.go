// Package dashboard implements the supplemented `--dashboard` live view: a
// termui-backed status screen reading from a Recorder the Pipeline updates.
// It is purely observational and never participates in routing or delivery.
package dashboard

import "sync"

// Recorder accumulates the counters and last-known states the dashboard
// view renders. All methods are safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	orgState  map[string]string
	lastID    map[string]int64 // keyed by org+"/"+channel
	forwarded map[string]int64
	dropped   int64
	published map[string]int64 // keyed by broker+"/"+exchange
	sinkErrs  int64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		orgState:  make(map[string]string),
		lastID:    make(map[string]int64),
		forwarded: make(map[string]int64),
		published: make(map[string]int64),
	}
}

// SetOrgState records org's CometD client state (spec.md §4.D's states).
func (r *Recorder) SetOrgState(org, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgState[org] = state
}

// RecordForwarded records one envelope forwarded out of the Source Manager
// on (org, channel), along with its replay id if any.
func (r *Recorder) RecordForwarded(org, channel string, replayID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded[org]++
	if replayID != 0 {
		r.lastID[org+"/"+channel] = replayID
	}
}

// RecordDropped records one envelope the Router dropped (no match, no
// default).
func (r *Recorder) RecordDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

// RecordPublished records one envelope successfully published to
// (broker, exchange).
func (r *Recorder) RecordPublished(broker, exchange string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[broker+"/"+exchange]++
}

// RecordSinkError records one swallowed or fatal sink publish failure.
func (r *Recorder) RecordSinkError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinkErrs++
}

// Snapshot is an immutable copy of the Recorder's current state, safe to
// read from the rendering goroutine without holding the Recorder's lock.
type Snapshot struct {
	OrgState  map[string]string
	LastID    map[string]int64
	Forwarded map[string]int64
	Dropped   int64
	Published map[string]int64
	SinkErrs  int64
}

// Snapshot copies the current counters out for rendering.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		OrgState:  make(map[string]string, len(r.orgState)),
		LastID:    make(map[string]int64, len(r.lastID)),
		Forwarded: make(map[string]int64, len(r.forwarded)),
		Published: make(map[string]int64, len(r.published)),
		Dropped:   r.dropped,
		SinkErrs:  r.sinkErrs,
	}
	for k, v := range r.orgState {
		snap.OrgState[k] = v
	}
	for k, v := range r.lastID {
		snap.LastID[k] = v
	}
	for k, v := range r.forwarded {
		snap.Forwarded[k] = v
	}
	for k, v := range r.published {
		snap.Published[k] = v
	}
	return snap
}
