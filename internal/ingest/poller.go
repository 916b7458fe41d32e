// Package ingest drains photos from the remote booth service into local
// directories and announces each one for printing.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/core"
	"github.com/orrn/boothspool/internal/events"
	"github.com/orrn/boothspool/internal/metrics"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultHealthInterval = 15 * time.Second
	DefaultBulkThreshold  = 49
	DefaultAckAttempts    = 3
	DefaultAckDelay       = time.Second

	sourceRemote = "remote"
	probeTimeout = 10 * time.Second
)

var activationKeyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// Status is a point-in-time view of the poller.
type Status struct {
	Registered     bool       `json:"registered"`
	SessionID      string     `json:"session_id"`
	Destination    string     `json:"destination"`
	GalleryDir     string     `json:"gallery_dir"`
	Running        bool       `json:"running"`
	Polling        bool       `json:"polling"`
	Connected      bool       `json:"connected"`
	Generation     uint64     `json:"generation"`
	Processed      int        `json:"processed"`
	PendingBulk    int        `json:"pending_bulk"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// bulkGate parks a poll cycle until the operator decides what to do with an
// oversized batch.
type bulkGate struct {
	count    int
	decision chan BulkDecision
	abort    chan struct{}
}

// Poller polls one remote session and hands downloaded photos to the notifier.
type Poller struct {
	source         Source
	notifier       events.Notifier
	log            zerolog.Logger
	scheduler      core.Scheduler
	pollInterval   time.Duration
	healthInterval time.Duration
	bulkThreshold  int
	bulkTimeout    time.Duration
	ackAttempts    int
	ackDelay       time.Duration

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	session     string
	destination string
	gallery     string
	running     bool
	polling     bool
	connected   bool
	generation  uint64
	processed   map[string]struct{}
	stops       []func()
	bulk        *bulkGate
	wg          sync.WaitGroup
}

type Option func(*Poller)

func WithNotifier(n events.Notifier) Option {
	return func(p *Poller) {
		if n != nil {
			p.notifier = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) { p.log = l.With().Str("component", "ingest").Logger() }
}

func WithScheduler(s core.Scheduler) Option {
	return func(p *Poller) {
		if s != nil {
			p.scheduler = s
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

func WithHealthInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.healthInterval = d
		}
	}
}

// WithBulkThreshold gates batches holding more than n items.
func WithBulkThreshold(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.bulkThreshold = n
		}
	}
}

// WithBulkTimeout abandons a gated cycle after d. Zero waits forever.
func WithBulkTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d >= 0 {
			p.bulkTimeout = d
		}
	}
}

func WithAckRetry(attempts int, delay time.Duration) Option {
	return func(p *Poller) {
		if attempts > 0 {
			p.ackAttempts = attempts
		}
		if delay >= 0 {
			p.ackDelay = delay
		}
	}
}

func WithDestination(dir string) Option {
	return func(p *Poller) { p.destination = dir }
}

func WithGalleryDir(dir string) Option {
	return func(p *Poller) { p.gallery = dir }
}

func WithSession(id string) Option {
	return func(p *Poller) { p.session = id }
}

// WithToken restores a token obtained by an earlier registration.
func WithToken(token string) Option {
	return func(p *Poller) {
		p.token = token
		p.tokenExpiry, _ = tokenExpiry(token)
	}
}

func NewPoller(source Source, opts ...Option) *Poller {
	p := &Poller{
		source:         source,
		notifier:       events.Discard,
		log:            zerolog.Nop(),
		scheduler:      core.TickerScheduler{},
		pollInterval:   DefaultPollInterval,
		healthInterval: DefaultHealthInterval,
		bulkThreshold:  DefaultBulkThreshold,
		ackAttempts:    DefaultAckAttempts,
		ackDelay:       DefaultAckDelay,
		processed:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register validates the activation key and exchanges it for a token. Nothing
// changes when registration fails.
func (p *Poller) Register(ctx context.Context, key string) error {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !activationKeyPattern.MatchString(key) {
		return &RegistrationError{Reason: "activation key must look like XXXX-XXXX-XXXX-XXXX"}
	}

	token, err := p.source.Register(ctx, key)
	if err != nil {
		return &RegistrationError{Reason: "activation rejected", Err: err}
	}
	if token == "" {
		return &RegistrationError{Reason: "activation returned an empty token"}
	}

	expiry, _ := tokenExpiry(token)

	p.mu.Lock()
	p.token = token
	p.tokenExpiry = expiry
	p.mu.Unlock()

	ev := p.log.Info()
	if !expiry.IsZero() {
		ev = ev.Time("expires_at", expiry)
	}
	ev.Msg("device registered")
	return nil
}

// SelectSession switches the polled session. A running poller restarts so the
// previous session's state is discarded.
func (p *Poller) SelectSession(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoSession
	}

	p.mu.Lock()
	if p.session == id {
		p.mu.Unlock()
		return nil
	}
	running := p.running
	p.session = id
	if !running {
		p.processed = make(map[string]struct{})
	}
	p.mu.Unlock()

	p.log.Info().Str("session_id", id).Msg("session selected")
	if !running {
		return nil
	}
	p.Stop()
	return p.Start(ctx)
}

// SetDestination changes the download directory. The gallery directory follows
// it unless one was configured explicitly.
func (p *Poller) SetDestination(dir string) {
	p.mu.Lock()
	p.destination = dir
	p.mu.Unlock()
}

// Start begins polling immediately and then on the poll interval, alongside
// the connectivity probe. It is a no-op while running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if err := p.readyLocked(); err != nil {
		return err
	}
	dest, gallery := p.destination, p.galleryLocked()
	for _, dir := range []string{dest, gallery} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	p.running = true
	p.stops = []func(){
		p.scheduler.Every(p.pollInterval, p.scheduledPoll),
		p.scheduler.Every(p.healthInterval, p.scheduledProbe),
	}
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.scheduledPoll()
	}()
	go func() {
		defer p.wg.Done()
		p.scheduledProbe()
	}()

	p.log.Info().
		Str("session_id", p.session).
		Str("destination", dest).
		Uint64("generation", p.generation).
		Dur("interval", p.pollInterval).
		Msg("poller started")
	return nil
}

// Stop halts the timers, forgets processed files and invalidates any cycle
// still in flight. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	stops := p.stops
	p.stops = nil
	wasRunning := p.running
	p.running = false
	p.processed = make(map[string]struct{})
	p.generation++
	gen := p.generation
	if p.bulk != nil {
		close(p.bulk.abort)
		p.bulk = nil
	}
	p.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if wasRunning {
		p.log.Info().Uint64("generation", gen).Msg("poller stopped")
	}
}

// Wait blocks until the goroutines spawned by Start and TriggerPoll have
// returned or ctx is done.
func (p *Poller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveBulkWarning delivers the operator's decision to the cycle parked at
// the bulk gate.
func (p *Poller) ResolveBulkWarning(decision BulkDecision) error {
	if !decision.Valid() {
		return ErrInvalidDecision
	}

	p.mu.Lock()
	gate := p.bulk
	p.bulk = nil
	p.mu.Unlock()

	if gate == nil {
		return ErrNoBulkPending
	}
	gate.decision <- decision
	p.log.Info().Str("decision", string(decision)).Int("count", gate.count).Msg("bulk warning resolved")
	return nil
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Registered:  p.token != "",
		SessionID:   p.session,
		Destination: p.destination,
		GalleryDir:  p.galleryLocked(),
		Running:     p.running,
		Polling:     p.polling,
		Connected:   p.connected,
		Generation:  p.generation,
		Processed:   len(p.processed),
	}
	if p.bulk != nil {
		st.PendingBulk = p.bulk.count
	}
	if !p.tokenExpiry.IsZero() {
		t := p.tokenExpiry
		st.TokenExpiresAt = &t
	}
	return st
}

func (p *Poller) scheduledPoll() {
	p.supervised("poll", func() {
		if err := p.Poll(context.Background()); err != nil {
			p.log.Warn().Err(err).Msg("poll cycle failed")
		}
	})
}

func (p *Poller) scheduledProbe() {
	p.supervised("connectivity", func() {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		p.ProbeConnectivity(ctx)
	})
}

// TriggerPoll runs one supervised cycle in the background. Wait covers it.
func (p *Poller) TriggerPoll() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.scheduledPoll()
	}()
}

func (p *Poller) supervised(task string, fn func()) {
	core.RunSupervised(p.log, p.notifier, "ingest."+task, fn, nil)
}

// ProbeConnectivity checks the source and publishes ConnectionChanged when the
// result differs from the previous probe.
func (p *Poller) ProbeConnectivity(ctx context.Context) bool {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	ok := p.source.CheckConnectivity(ctx, token)

	p.mu.Lock()
	changed := p.connected != ok
	p.connected = ok
	p.mu.Unlock()

	if changed {
		p.log.Info().Bool("connected", ok).Msg("connectivity changed")
		p.notifier.Notify(events.ConnectionChanged{Connected: ok})
	}
	return ok
}

type cycle struct {
	gen     uint64
	token   string
	session string
	dest    string
	gallery string
}

// Poll runs one cycle: list, gate, then download or acknowledge. A cycle that
// overlaps another returns nil without doing anything.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	if p.polling {
		p.mu.Unlock()
		p.log.Debug().Msg("poll already in progress, skipping")
		return nil
	}
	if err := p.readyLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.polling = true
	c := cycle{
		gen:     p.generation,
		token:   p.token,
		session: p.session,
		dest:    p.destination,
		gallery: p.galleryLocked(),
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.polling = false
		p.mu.Unlock()
	}()

	items, err := p.source.ListPending(ctx, c.token, c.session)
	if err != nil {
		return fmt.Errorf("list pending photos: %w", err)
	}

	candidates := p.unprocessed(items)
	if len(candidates) == 0 {
		return nil
	}
	p.log.Debug().Int("candidates", len(candidates)).Uint64("generation", c.gen).Msg("new photos found")

	decision := DecisionDownload
	if len(candidates) > p.bulkThreshold {
		d, ok := p.awaitBulkDecision(ctx, c, len(candidates))
		if !ok {
			return nil
		}
		decision = d
	}
	if p.stale(c.gen) {
		return nil
	}

	switch decision {
	case DecisionSkip:
		return p.skipAll(ctx, c, candidates)
	case DecisionGallery:
		return p.processItems(ctx, c, c.gallery, candidates, false)
	default:
		return p.processItems(ctx, c, c.dest, candidates, true)
	}
}

func (p *Poller) unprocessed(items []Item) []Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Filename == "" || seen[it.Filename] {
			continue
		}
		seen[it.Filename] = true
		if _, done := p.processed[it.Filename]; done {
			continue
		}
		out = append(out, it)
	}
	return out
}

// awaitBulkDecision parks the cycle at the bulk gate. It reports false when the
// cycle must be abandoned: stop, context end, timeout, or a generation change.
func (p *Poller) awaitBulkDecision(ctx context.Context, c cycle, count int) (BulkDecision, bool) {
	gate := &bulkGate{
		count:    count,
		decision: make(chan BulkDecision, 1),
		abort:    make(chan struct{}),
	}

	p.mu.Lock()
	if p.generation != c.gen {
		p.mu.Unlock()
		return "", false
	}
	p.bulk = gate
	p.mu.Unlock()

	p.log.Warn().Int("count", count).Str("session_id", c.session).Msg("bulk batch waiting for decision")
	p.notifier.Notify(events.BulkWarning{SessionID: c.session, Count: count})

	var timeout <-chan time.Time
	if p.bulkTimeout > 0 {
		t := time.NewTimer(p.bulkTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var (
		decision BulkDecision
		resolved bool
	)
	select {
	case decision = <-gate.decision:
		resolved = true
	case <-gate.abort:
	case <-ctx.Done():
	case <-timeout:
		p.log.Warn().Int("count", count).Dur("timeout", p.bulkTimeout).Msg("bulk decision timed out, abandoning cycle")
	}

	p.mu.Lock()
	if p.bulk == gate {
		p.bulk = nil
	}
	stale := p.generation != c.gen
	p.mu.Unlock()

	if !resolved || stale {
		p.log.Debug().Uint64("generation", c.gen).Msg("bulk gate abandoned")
		return "", false
	}
	return decision, true
}

func (p *Poller) skipAll(ctx context.Context, c cycle, items []Item) error {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Filename
	}

	p.mu.Lock()
	if p.generation != c.gen {
		p.mu.Unlock()
		return nil
	}
	for _, n := range names {
		p.processed[n] = struct{}{}
	}
	p.mu.Unlock()

	metrics.IngestItems.WithLabelValues("skipped").Add(float64(len(names)))
	p.log.Info().Int("count", len(names)).Msg("skipping bulk batch")

	if err := p.acknowledge(ctx, c, names); err != nil {
		p.publishError(err, "", false)
		return err
	}
	return nil
}

// processItems downloads each item into dir and acknowledges it. announce
// controls whether PhotoReady is published for the dispatcher.
func (p *Poller) processItems(ctx context.Context, c cycle, dir string, items []Item, announce bool) error {
	total := len(items)
	for i, item := range items {
		if p.stale(c.gen) {
			p.log.Debug().Uint64("generation", c.gen).Int("remaining", total-i).Msg("generation changed, stopping batch")
			return nil
		}

		path, err := p.fetch(ctx, c, dir, item)
		if err != nil {
			metrics.IngestItems.WithLabelValues(errorKind(err)).Inc()
			p.publishError(err, item.Filename, false)
			if IsNetworkError(err) {
				p.log.Warn().Err(err).Int("remaining", total-i-1).Msg("network failure, aborting cycle")
				return err
			}
			p.log.Warn().Err(err).Str("filename", item.Filename).Msg("photo download failed")
			continue
		}

		p.mu.Lock()
		if p.generation != c.gen {
			p.mu.Unlock()
			return nil
		}
		p.processed[item.Filename] = struct{}{}
		p.mu.Unlock()

		metrics.IngestItems.WithLabelValues("ok").Inc()
		if announce {
			p.notifier.Notify(events.PhotoReady{Path: path, Filename: item.Filename, Source: sourceRemote})
		}
		p.notifier.Notify(events.IngestProgress{
			SessionID:  c.session,
			Filename:   item.Filename,
			Done:       i + 1,
			Total:      total,
			Generation: c.gen,
		})
		p.log.Info().Str("filename", item.Filename).Str("path", path).Msg("photo downloaded")

		if err := p.acknowledge(ctx, c, []string{item.Filename}); err != nil {
			p.log.Error().Err(err).Str("filename", item.Filename).Msg("acknowledge failed")
			p.publishError(err, item.Filename, false)
		}
	}
	return nil
}

// fetch streams one item to dir, verifying the declared size. Partial files
// are removed.
func (p *Poller) fetch(ctx context.Context, c cycle, dir string, item Item) (string, error) {
	name, err := safeFilename(item.Filename)
	if err != nil {
		return "", err
	}

	body, err := p.source.Download(ctx, c.token, item)
	if err != nil {
		return "", err
	}
	defer body.Close()

	path := filepath.Join(dir, name)
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}

	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return "", copyErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", tmp, closeErr)
	}
	if item.Size > 0 && n != item.Size {
		os.Remove(tmp)
		return "", &SizeMismatchError{Filename: item.Filename, Expected: item.Size, Actual: n}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}

	metrics.IngestBytes.Add(float64(n))
	return path, nil
}

func (p *Poller) acknowledge(ctx context.Context, c cycle, names []string) error {
	var lastErr error
	for attempt := 1; attempt <= p.ackAttempts; attempt++ {
		err := p.source.Acknowledge(ctx, c.token, c.session, names)
		if err == nil {
			metrics.IngestAcks.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err
		metrics.IngestAcks.WithLabelValues("retry").Inc()

		if attempt < p.ackAttempts {
			p.log.Debug().Err(err).Int("attempt", attempt).Msg("acknowledge failed, retrying")
			select {
			case <-ctx.Done():
				return &AcknowledgeError{Filenames: names, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(p.ackDelay):
			}
		}
	}
	metrics.IngestAcks.WithLabelValues("failed").Inc()
	return &AcknowledgeError{Filenames: names, Attempts: p.ackAttempts, Err: lastErr}
}

func (p *Poller) publishError(err error, filename string, fatal bool) {
	p.notifier.Notify(events.IngestError{
		Kind:     errorKind(err),
		Filename: filename,
		Message:  err.Error(),
		Fatal:    fatal,
	})
}

func (p *Poller) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation != gen
}

// Ready returns the first missing precondition for polling, or nil.
func (p *Poller) Ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyLocked()
}

func (p *Poller) readyLocked() error {
	switch {
	case p.token == "":
		return ErrNotRegistered
	case p.session == "":
		return ErrNoSession
	case p.destination == "":
		return ErrNoDestination
	}
	return nil
}

func (p *Poller) galleryLocked() string {
	if p.gallery != "" {
		return p.gallery
	}
	if p.destination == "" {
		return ""
	}
	return filepath.Join(p.destination, "gallery")
}

// safeFilename rejects names that would escape the target directory.
func safeFilename(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return name, nil
}

