package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/metrics"
)

const (
	MaxPoolSize         = 4
	DefaultCacheTTL     = 5 * time.Minute
	DefaultProbeTimeout = 15 * time.Second

	cacheKeyPrinters     = "printers.list"
	cacheKeyDiscoveredAt = "printers.discovered_at"
	cacheIOTimeout       = 5 * time.Second
)

// discovery is the pending slot shared by every caller waiting on one probe.
type discovery struct {
	done     chan struct{}
	printers []PrinterRecord
	err      error
}

// Registry tracks the printers the OS exposes and the pool used for load balancing.
type Registry struct {
	enum         Enumerator
	cache        CacheStore
	log          zerolog.Logger
	ttl          time.Duration
	probeTimeout time.Duration
	now          func() time.Time

	mu           sync.Mutex
	printers     []PrinterRecord
	discoveredAt time.Time
	inflight     *discovery
	pool         []string
	cursor       int
}

type RegistryOption func(*Registry)

func WithCache(c CacheStore) RegistryOption {
	return func(r *Registry) { r.cache = c }
}

func WithCacheTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l.With().Str("component", "registry").Logger() }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(enum Enumerator, opts ...RegistryOption) *Registry {
	r := &Registry{
		enum:         enum,
		log:          zerolog.Nop(),
		ttl:          DefaultCacheTTL,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover returns the current printer list. Non-forced calls share an
// in-flight probe and are served from the TTL cache while it is fresh. When the
// probe fails the persisted list is returned with every status set to unknown.
func (r *Registry) Discover(ctx context.Context, force bool) ([]PrinterRecord, error) {
	r.mu.Lock()
	if !force {
		if d := r.inflight; d != nil {
			r.mu.Unlock()
			return r.wait(ctx, d)
		}
		if len(r.printers) > 0 && r.now().Sub(r.discoveredAt) < r.ttl {
			out := cloneRecords(r.printers)
			r.mu.Unlock()
			metrics.Discoveries.WithLabelValues("cached").Inc()
			return out, nil
		}
	}
	d := &discovery{done: make(chan struct{})}
	r.inflight = d
	r.mu.Unlock()

	go r.probe(d)
	return r.wait(ctx, d)
}

func (r *Registry) wait(ctx context.Context, d *discovery) ([]PrinterRecord, error) {
	select {
	case <-d.done:
		return cloneRecords(d.printers), d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) probe(d *discovery) {
	defer func() {
		r.mu.Lock()
		if r.inflight == d {
			r.inflight = nil
		}
		r.mu.Unlock()
		close(d.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.probeTimeout)
	defer cancel()

	raw, err := r.enumerate(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("printer enumeration failed, serving cached list")
		d.printers, d.err = r.fallback(err)
		return
	}

	seen := r.now()
	records := make([]PrinterRecord, 0, len(raw))
	for _, dev := range raw {
		records = append(records, toRecord(dev, seen))
	}
	records = dedupe(records)

	r.mu.Lock()
	r.printers = records
	r.discoveredAt = seen
	r.mu.Unlock()

	r.persist(records, seen)
	metrics.Discoveries.WithLabelValues("probe").Inc()
	r.log.Debug().Int("raw", len(raw)).Int("printers", len(records)).Msg("printers discovered")
	d.printers = records
}

func (r *Registry) enumerate(ctx context.Context) (raw []RawDevice, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("enumerator panicked: %v", rec)
		}
	}()
	return r.enum.Enumerate(ctx)
}

func (r *Registry) fallback(probeErr error) ([]PrinterRecord, error) {
	cached := r.loadPersisted()
	if len(cached) == 0 {
		r.mu.Lock()
		cached = cloneRecords(r.printers)
		r.mu.Unlock()
	}
	if len(cached) == 0 {
		metrics.Discoveries.WithLabelValues("error").Inc()
		return nil, &DiscoveryError{Err: probeErr}
	}

	for i := range cached {
		cached[i].Status = StatusUnknown
	}
	metrics.Discoveries.WithLabelValues("fallback").Inc()
	return cached, nil
}

func (r *Registry) persist(records []PrinterRecord, at time.Time) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode printer list")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheIOTimeout)
	defer cancel()

	if err := r.cache.Set(ctx, cacheKeyPrinters, data); err != nil {
		r.log.Error().Err(err).Msg("failed to persist printer list")
		return
	}
	if err := r.cache.Set(ctx, cacheKeyDiscoveredAt, []byte(at.UTC().Format(time.RFC3339Nano))); err != nil {
		r.log.Error().Err(err).Msg("failed to persist discovery timestamp")
	}
}

func (r *Registry) loadPersisted() []PrinterRecord {
	if r.cache == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheIOTimeout)
	defer cancel()

	data, ok, err := r.cache.Get(ctx, cacheKeyPrinters)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to read persisted printer list")
		return nil
	}
	if !ok {
		return nil
	}

	var records []PrinterRecord
	if err := json.Unmarshal(data, &records); err != nil {
		r.log.Error().Err(err).Msg("persisted printer list is corrupt")
		return nil
	}
	return records
}

// LastDiscovery returns when the in-memory list was last refreshed by a probe.
func (r *Registry) LastDiscovery() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discoveredAt
}

// List returns the last known printers without probing.
func (r *Registry) List() []PrinterRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRecords(r.printers)
}

func (r *Registry) Get(name string) (PrinterRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.lookup(name)
	if !ok {
		return PrinterRecord{}, false
	}
	return rec.clone(), true
}

func (r *Registry) Default() (PrinterRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.printers {
		if p.IsDefault {
			return p.clone(), true
		}
	}
	return PrinterRecord{}, false
}

// SetPool replaces the pool with at most MaxPoolSize distinct names that are
// present in the last discovery, and returns the pool that was stored.
func (r *Registry) SetPool(names []string) []string {
	if len(names) > MaxPoolSize {
		names = names[:MaxPoolSize]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pool := make([]string, 0, len(names))
	taken := make(map[string]bool, len(names))
	for _, name := range names {
		if taken[name] {
			continue
		}
		if _, ok := r.lookup(name); !ok {
			continue
		}
		taken[name] = true
		pool = append(pool, name)
	}

	r.pool = pool
	r.cursor = 0
	r.log.Info().Strs("pool", pool).Msg("printer pool updated")
	return append([]string(nil), pool...)
}

func (r *Registry) Pool() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pool...)
}

// SelectNext picks the next healthy pool member round-robin. With an empty pool
// it falls back to the ready default printer, then to any ready printer.
// Names in exclude are never returned.
func (r *Registry) SelectNext(exclude ...string) (string, bool) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.pool); n > 0 {
		for i := 0; i < n; i++ {
			idx := (r.cursor + i) % n
			name := r.pool[idx]
			if skip[name] {
				continue
			}
			rec, ok := r.lookup(name)
			if !ok || !rec.Status.Healthy() {
				continue
			}
			r.cursor = (idx + 1) % n
			return name, true
		}
		return "", false
	}

	for _, p := range r.printers {
		if p.IsDefault && p.Status == StatusReady && !skip[p.Name] {
			return p.Name, true
		}
	}
	for _, p := range r.printers {
		if p.Status == StatusReady && !skip[p.Name] {
			return p.Name, true
		}
	}
	return "", false
}

// ClearCache drops the in-memory and persisted discovery results. The pool is kept.
func (r *Registry) ClearCache(ctx context.Context) error {
	r.mu.Lock()
	r.printers = nil
	r.discoveredAt = time.Time{}
	r.cursor = 0
	r.mu.Unlock()

	if r.cache == nil {
		return nil
	}
	if err := r.cache.Delete(ctx, cacheKeyPrinters, cacheKeyDiscoveredAt); err != nil {
		return fmt.Errorf("failed to clear printer cache: %w", err)
	}
	return nil
}

func (r *Registry) lookup(name string) (PrinterRecord, bool) {
	for _, p := range r.printers {
		if p.Name == name {
			return p, true
		}
	}
	return PrinterRecord{}, false
}

func cloneRecords(in []PrinterRecord) []PrinterRecord {
	if in == nil {
		return nil
	}
	out := make([]PrinterRecord, len(in))
	for i, p := range in {
		out[i] = p.clone()
	}
	return out
}
