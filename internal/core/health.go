package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/events"
	"github.com/orrn/boothspool/internal/metrics"
)

const DefaultHealthInterval = 30 * time.Second

// Discoverer is the part of the registry the health monitor probes.
type Discoverer interface {
	Discover(ctx context.Context, force bool) ([]PrinterRecord, error)
	List() []PrinterRecord
}

// HealthMonitor periodically force-probes the registry and publishes a
// PrinterStatusChanged event for every printer whose status moved.
type HealthMonitor struct {
	registry  Discoverer
	scheduler Scheduler
	notifier  events.Notifier
	log       zerolog.Logger
	now       func() time.Time
	timeout   time.Duration

	mu       sync.Mutex
	stop     func()
	checking bool
	last     map[string]Status
	snapshot HealthSnapshot
}

type HealthOption func(*HealthMonitor)

func WithScheduler(s Scheduler) HealthOption {
	return func(h *HealthMonitor) {
		if s != nil {
			h.scheduler = s
		}
	}
}

func WithHealthNotifier(n events.Notifier) HealthOption {
	return func(h *HealthMonitor) {
		if n != nil {
			h.notifier = n
		}
	}
}

func WithHealthLogger(l zerolog.Logger) HealthOption {
	return func(h *HealthMonitor) { h.log = l.With().Str("component", "health").Logger() }
}

func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthMonitor) { h.now = now }
}

// WithCheckTimeout bounds each scheduled check.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthMonitor) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHealthMonitor(registry Discoverer, opts ...HealthOption) *HealthMonitor {
	h := &HealthMonitor{
		registry:  registry,
		scheduler: TickerScheduler{},
		notifier:  events.Discard,
		log:       zerolog.Nop(),
		now:       time.Now,
		timeout:   DefaultProbeTimeout + 5*time.Second,
		last:      make(map[string]Status),
		snapshot:  HealthSnapshot{Printers: map[string]Status{}},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs one check immediately and then every interval. Calling Start on a
// running monitor does nothing.
func (h *HealthMonitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	h.mu.Lock()
	if h.stop != nil {
		h.mu.Unlock()
		return
	}
	h.stop = h.scheduler.Every(interval, h.scheduledCheck)
	h.mu.Unlock()

	h.log.Info().Dur("interval", interval).Msg("health monitor started")
	go h.scheduledCheck()
}

func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	stop := h.stop
	h.stop = nil
	h.mu.Unlock()

	if stop != nil {
		stop()
		h.log.Info().Msg("health monitor stopped")
	}
}

func (h *HealthMonitor) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *HealthMonitor) scheduledCheck() {
	RunSupervised(h.log, h.notifier, "health", func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		h.Check(ctx)
	}, nil)
}

// Check force-probes the registry, diffs the result against the previous check
// and returns the new snapshot. While another check runs it returns the latest
// snapshot without probing.
func (h *HealthMonitor) Check(ctx context.Context) HealthSnapshot {
	h.mu.Lock()
	if h.checking {
		snap := h.snapshotLocked()
		h.mu.Unlock()
		h.log.Debug().Msg("health check already running, skipping")
		return snap
	}
	h.checking = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.checking = false
		h.mu.Unlock()
	}()

	printers, err := h.registry.Discover(ctx, true)
	if err != nil {
		h.log.Warn().Err(err).Msg("health probe failed, using last known printers")
		printers = h.registry.List()
	}

	current := make(map[string]Status, len(printers))
	for _, p := range printers {
		current[p.Name] = p.Status
	}

	var changes []events.PrinterStatusChanged

	h.mu.Lock()
	for name, status := range current {
		prev, seen := h.last[name]
		if seen && prev != status {
			changes = append(changes, events.PrinterStatusChanged{
				Printer:        name,
				PreviousStatus: string(prev),
				Status:         string(status),
			})
		}
	}
	for name, prev := range h.last {
		if _, ok := current[name]; ok || prev == StatusOffline {
			continue
		}
		changes = append(changes, events.PrinterStatusChanged{
			Printer:        name,
			PreviousStatus: string(prev),
			Status:         string(StatusOffline),
		})
	}
	h.last = current

	snap := HealthSnapshot{Printers: make(map[string]Status, len(current)), LastCheck: h.now()}
	for name, status := range current {
		snap.Printers[name] = status
		if online(status) {
			snap.Online++
		} else {
			snap.Offline++
		}
	}
	h.snapshot = snap
	out := h.snapshotLocked()
	h.mu.Unlock()

	for _, c := range changes {
		h.log.Info().Str("printer", c.Printer).Str("from", c.PreviousStatus).Str("to", c.Status).Msg("printer status changed")
		h.notifier.Notify(c)
	}
	recordPrinterGauge(current)

	return out
}

// Snapshot returns the result of the most recent check.
func (h *HealthMonitor) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *HealthMonitor) snapshotLocked() HealthSnapshot {
	out := h.snapshot
	out.Printers = make(map[string]Status, len(h.snapshot.Printers))
	for k, v := range h.snapshot.Printers {
		out.Printers[k] = v
	}
	return out
}

func online(s Status) bool {
	return s == StatusReady || s == StatusBusy || s == StatusPaused
}

var allStatuses = []Status{StatusReady, StatusBusy, StatusPaused, StatusOffline, StatusError, StatusUnknown}

func recordPrinterGauge(current map[string]Status) {
	counts := make(map[Status]int, len(allStatuses))
	for _, s := range current {
		counts[s]++
	}
	for _, s := range allStatuses {
		metrics.Printers.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
