package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bdobrica/Hyoka/internal/hyoka/metrics"
)

// Supervisor owns the per-package pollers and the shared reply queue. All
// registration-shaped mutations go through it; the bridge glue talks to
// nothing in this package except the supervisor and the queue it exposes.
type Supervisor struct {
	gateway PlayClient
	index   ReviewIndex
	sink    MatrixSink
	queue   *ReplyQueue
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*packageEntry
	// stats outlive unregistration so counters survive a remove/re-add cycle.
	stats   map[string]*PackageStats
	paused  bool
	stopped bool

	drainCancel context.CancelFunc
	drainDone   chan struct{}
}

type packageEntry struct {
	reg       Registration
	watermark *Watermark
	poller    *Poller
}

// SupervisorConfig carries the collaborators the supervisor wires together.
type SupervisorConfig struct {
	Gateway PlayClient
	Index   ReviewIndex
	Sink    MatrixSink
	Metrics *metrics.Metrics
	// DrainInterval overrides the reply drainer cadence; zero keeps the default.
	DrainInterval time.Duration
}

// NewSupervisor builds the supervisor and its reply queue. Call Start to
// launch the drainer.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		gateway: cfg.Gateway,
		index:   cfg.Index,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		entries: make(map[string]*packageEntry),
		stats:   make(map[string]*PackageStats),
	}
	s.queue = NewReplyQueue(cfg.Gateway, cfg.Sink, s.statsFor, cfg.Metrics, cfg.DrainInterval)
	return s
}

// Queue exposes the reply queue for the Matrix side to enqueue into.
func (s *Supervisor) Queue() *ReplyQueue { return s.queue }

// Start launches the reply drainer.
func (s *Supervisor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.drainCancel = cancel
	s.drainDone = make(chan struct{})
	go func() {
		defer close(s.drainDone)
		s.queue.Run(ctx)
	}()
}

// Register validates credentials against the package, positions the watermark
// at the edge of the lookback window, and starts polling (unless paused).
// Registering an already-registered package is an error.
func (s *Supervisor) Register(ctx context.Context, reg Registration) error {
	reg = reg.normalize()
	if reg.PackageName == "" {
		return fmt.Errorf("empty package name")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is shut down")
	}
	if _, ok := s.entries[reg.PackageName]; ok {
		s.mu.Unlock()
		return fmt.Errorf("package %s is already registered", reg.PackageName)
	}
	s.mu.Unlock()

	// Probe outside the lock: a slow Play call must not block Stats or
	// other registrations.
	if err := s.gateway.TestConnection(ctx, reg.PackageName); err != nil {
		return fmt.Errorf("connection test for %s failed: %w", reg.PackageName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("supervisor is shut down")
	}
	if _, ok := s.entries[reg.PackageName]; ok {
		return fmt.Errorf("package %s is already registered", reg.PackageName)
	}

	entry := &packageEntry{
		reg:       reg,
		watermark: NewWatermark(time.Now().Add(-time.Duration(reg.LookbackDays) * 24 * time.Hour)),
	}
	s.entries[reg.PackageName] = entry

	if !s.paused {
		s.startPollerLocked(entry)
	}

	slog.Info("package registered",
		"package", reg.PackageName, "room", reg.RoomID,
		"interval", reg.PollInterval, "lookback_days", reg.LookbackDays,
		"paused", s.paused)
	return nil
}

// Unregister stops the package's poller and forgets its watermark. Stats are
// retained. Queued replies for the package stay in the queue; the gateway
// will reject them if the package truly went away.
func (s *Supervisor) Unregister(packageName string) error {
	s.mu.Lock()
	entry, ok := s.entries[packageName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("package %s is not registered", packageName)
	}
	delete(s.entries, packageName)
	s.mu.Unlock()

	if entry.poller != nil {
		entry.poller.stop()
	}
	slog.Info("package unregistered", "package", packageName)
	return nil
}

// Registered reports whether the package currently has an entry.
func (s *Supervisor) Registered(packageName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[packageName]
	return ok
}

// Registrations returns the current registrations, sorted by package name.
func (s *Supervisor) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out
}

// Pause stops every poller but keeps registrations, watermarks, and the
// reply queue intact. Idempotent.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	if s.paused || s.stopped {
		s.mu.Unlock()
		return
	}
	s.paused = true
	pollers := s.takePollersLocked()
	s.mu.Unlock()

	for _, p := range pollers {
		p.stop()
	}
	slog.Info("polling paused", "packages", len(pollers))
}

// Resume restarts polling from the retained watermarks and clears the
// gateway's unready latch so a credential fix takes effect immediately.
func (s *Supervisor) Resume(parent context.Context) {
	s.mu.Lock()
	if !s.paused || s.stopped {
		s.mu.Unlock()
		return
	}
	s.paused = false

	if r, ok := s.gateway.(interface{ Reset() }); ok {
		r.Reset()
	}

	n := 0
	for _, entry := range s.entries {
		s.startPollerLocked(entry)
		n++
	}
	s.mu.Unlock()

	slog.Info("polling resumed", "packages", n)
}

// Paused reports whether polling is currently paused.
func (s *Supervisor) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stats returns a snapshot of every known package's counters, including
// packages that have since been unregistered.
func (s *Supervisor) Stats() map[string]StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]StatsSnapshot, len(s.stats))
	for pkg, st := range s.stats {
		out[pkg] = st.Snapshot()
	}
	return out
}

// QueueDepth returns the number of replies waiting in the queue.
func (s *Supervisor) QueueDepth() int { return s.queue.Depth() }

// Shutdown stops all pollers, halts the drainer, and runs one final
// synchronous drain so replies already queued get their last attempt.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pollers := s.takePollersLocked()
	s.mu.Unlock()

	for _, p := range pollers {
		p.stop()
	}

	if s.drainCancel != nil {
		s.drainCancel()
		<-s.drainDone
	}

	if depth := s.queue.Depth(); depth > 0 {
		slog.Info("final reply drain", "pending", depth)
		s.queue.Drain(ctx)
	}

	slog.Info("supervisor shut down", "remaining_replies", s.queue.Depth())
}

// startPollerLocked builds and starts the entry's poller. Caller holds s.mu.
func (s *Supervisor) startPollerLocked(entry *packageEntry) {
	stats := s.statsForLocked(entry.reg.PackageName)
	entry.poller = newPoller(entry.reg, s.gateway, s.index, s.sink, stats, entry.watermark, s.metrics)
	entry.poller.start(context.Background())
}

// takePollersLocked detaches every running poller so it can be stopped
// outside the lock. Caller holds s.mu.
func (s *Supervisor) takePollersLocked() []*Poller {
	var pollers []*Poller
	for _, entry := range s.entries {
		if entry.poller != nil {
			pollers = append(pollers, entry.poller)
			entry.poller = nil
		}
	}
	return pollers
}

func (s *Supervisor) statsFor(packageName string) *PackageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsForLocked(packageName)
}

func (s *Supervisor) statsForLocked(packageName string) *PackageStats {
	st, ok := s.stats[packageName]
	if !ok {
		st = &PackageStats{}
		s.stats[packageName] = st
	}
	return st
}
