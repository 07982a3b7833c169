package engine

import (
	"sync"
	"time"
)

// PackageStats holds the monotonic per-package counters. Writers are the
// package's poller and the reply-queue drainer; readers take a snapshot.
type PackageStats struct {
	mu             sync.Mutex
	totalProcessed int64
	newReviews     int64
	updatedReviews int64
	repliesSent    int64
	errors         int64
	lastPollAt     time.Time
}

// StatsSnapshot is a consistent copy of one package's counters.
type StatsSnapshot struct {
	TotalProcessed int64     `json:"total_processed"`
	NewReviews     int64     `json:"new_reviews"`
	UpdatedReviews int64     `json:"updated_reviews"`
	RepliesSent    int64     `json:"replies_sent"`
	Errors         int64     `json:"errors"`
	LastPollAt     time.Time `json:"last_poll_at"`
}

func (s *PackageStats) addProcessed() {
	s.mu.Lock()
	s.totalProcessed++
	s.mu.Unlock()
}

func (s *PackageStats) addNew() {
	s.mu.Lock()
	s.newReviews++
	s.mu.Unlock()
}

func (s *PackageStats) addUpdated() {
	s.mu.Lock()
	s.updatedReviews++
	s.mu.Unlock()
}

func (s *PackageStats) addReplySent() {
	s.mu.Lock()
	s.repliesSent++
	s.mu.Unlock()
}

func (s *PackageStats) addError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// markPoll records a poll attempt, successful or not.
func (s *PackageStats) markPoll(t time.Time) {
	s.mu.Lock()
	s.lastPollAt = t
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *PackageStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		TotalProcessed: s.totalProcessed,
		NewReviews:     s.newReviews,
		UpdatedReviews: s.updatedReviews,
		RepliesSent:    s.repliesSent,
		Errors:         s.errors,
		LastPollAt:     s.lastPollAt,
	}
}

// Watermark is the per-package poll cursor: the lower bound of the next
// poll's modification window. It outlives the poller so pause/resume keeps
// the position.
type Watermark struct {
	mu sync.Mutex
	t  time.Time
}

// NewWatermark returns a watermark positioned at t.
func NewWatermark(t time.Time) *Watermark {
	return &Watermark{t: t}
}

// Get returns the current cursor position.
func (w *Watermark) Get() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.t
}

// Set advances the cursor. Positions never move backwards; a stale set is
// ignored.
func (w *Watermark) Set(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.After(w.t) {
		w.t = t
	}
}
