package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/events"
	"github.com/orrn/boothspool/internal/metrics"
)

const (
	DefaultMaxRetries   = 2
	DefaultMaxFinished  = 200
	DefaultPrintTimeout = 60 * time.Second
)

// Selector is the part of the registry the queue needs to place jobs.
type Selector interface {
	SelectNext(exclude ...string) (string, bool)
	Pool() []string
	Get(name string) (PrinterRecord, bool)
}

// Queue accepts print jobs and dispatches them with retry and fallback to
// other printers. Each job runs on its own supervised goroutine.
type Queue struct {
	driver       PrintDriver
	selector     Selector
	notifier     events.Notifier
	log          zerolog.Logger
	maxRetries   int
	maxFinished  int
	printTimeout time.Duration
	now          func() time.Time
	onComplete   func(Job)

	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]string
	wg     sync.WaitGroup

	// pubMu orders job events. Taken before mu, never while holding it.
	pubMu sync.Mutex
}

type QueueOption func(*Queue)

func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithMaxFinished(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxFinished = n
		}
	}
}

func WithPrintTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.printTimeout = d
		}
	}
}

func WithQueueNotifier(n events.Notifier) QueueOption {
	return func(q *Queue) {
		if n != nil {
			q.notifier = n
		}
	}
}

func WithQueueLogger(l zerolog.Logger) QueueOption {
	return func(q *Queue) { q.log = l.With().Str("component", "queue").Logger() }
}

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithOnComplete installs a callback run when a job completes or is cancelled.
func WithOnComplete(fn func(Job)) QueueOption {
	return func(q *Queue) { q.onComplete = fn }
}

func NewQueue(driver PrintDriver, selector Selector, opts ...QueueOption) *Queue {
	q := &Queue{
		driver:       driver,
		selector:     selector,
		notifier:     events.Discard,
		log:          zerolog.Nop(),
		maxRetries:   DefaultMaxRetries,
		maxFinished:  DefaultMaxFinished,
		printTimeout: DefaultPrintTimeout,
		now:          time.Now,
		jobs:         make(map[string]*Job),
		active:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit queues path for printing and returns immediately. While a job for the
// same path is pending or printing, that job is returned instead of a new one.
func (q *Queue) Submit(filename, path string, opts JobOptions) (Job, error) {
	if path == "" {
		return Job{}, ErrEmptyFilepath
	}
	if filename == "" {
		filename = filepath.Base(path)
	}
	if opts.Copies < 1 {
		opts.Copies = 1
	}

	q.mu.Lock()
	if id, ok := q.active[path]; ok {
		if j, ok := q.jobs[id]; ok && !j.Status.Terminal() {
			out := j.clone()
			q.mu.Unlock()
			q.log.Debug().Str("job_id", out.ID).Str("filepath", path).Msg("duplicate submit, returning active job")
			return out, nil
		}
	}

	printer := opts.Printer
	if printer == "" {
		name, ok := q.selector.SelectNext()
		if !ok {
			q.mu.Unlock()
			return Job{}, ErrNoPrinterAvailable
		}
		printer = name
	}

	job := &Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Filename:    filename,
		Filepath:    path,
		PrinterName: printer,
		Status:      JobStatusPending,
		Options:     opts,
		CreatedAt:   q.now(),
	}
	q.jobs[job.ID] = job
	q.active[path] = job.ID
	out := q.snapshotLocked(job)
	q.wg.Add(1)
	q.mu.Unlock()

	q.log.Info().Str("job_id", out.ID).Str("printer", printer).Str("filename", filename).Msg("job submitted")
	q.publish(out)

	id := job.ID
	go func() {
		defer q.wg.Done()
		RunSupervised(q.log, q.notifier, "queue", func() {
			q.printWithFallback(id)
		}, func(r any) {
			q.fail(id, fmt.Errorf("internal error: %v", r))
		})
	}()

	return out, nil
}

func (q *Queue) printWithFallback(id string) {
	var lastErr error

	for {
		q.mu.Lock()
		job, ok := q.jobs[id]
		if !ok || job.Status.Terminal() {
			q.mu.Unlock()
			return
		}
		job.Status = JobStatusPrinting
		if job.StartedAt == nil {
			now := q.now()
			job.StartedAt = &now
		}
		req := PrintRequest{
			Path:        job.Filepath,
			Printer:     job.PrinterName,
			Copies:      job.Options.Copies,
			Color:       job.Options.Color,
			PaperSize:   job.Options.PaperSize,
			Orientation: job.Options.Orientation,
			Silent:      job.Options.Silent,
		}
		snap := q.snapshotLocked(job)
		q.mu.Unlock()
		q.publish(snap)

		printed, err := q.attempt(req)

		q.mu.Lock()
		job, ok = q.jobs[id]
		if !ok || job.Status.Terminal() {
			q.mu.Unlock()
			return
		}

		if printed {
			now := q.now()
			job.Status = JobStatusCompleted
			job.Error = ""
			job.CompletedAt = &now
			q.release(job)
			snap = q.snapshotLocked(job)
			q.mu.Unlock()

			metrics.Jobs.WithLabelValues(string(JobStatusCompleted)).Inc()
			q.log.Info().Str("job_id", id).Str("printer", req.Printer).Int("retries", snap.Retries).Msg("job completed")
			q.publish(snap)
			q.complete(snap)
			q.evict()
			return
		}

		if err == nil {
			err = &PrintError{Printer: req.Printer}
		}
		lastErr = err
		job.Error = err.Error()
		if !contains(job.Tried, req.Printer) {
			job.Tried = append(job.Tried, req.Printer)
		}
		q.log.Warn().Err(err).Str("job_id", id).Str("printer", req.Printer).Int("retries", job.Retries).Msg("print attempt failed")

		if job.Retries >= q.maxRetries {
			q.mu.Unlock()
			break
		}
		job.Retries++

		next, found := q.fallbackFor(job.Tried)
		if !found {
			q.mu.Unlock()
			break
		}
		job.PrinterName = next
		q.mu.Unlock()

		q.log.Info().Str("job_id", id).Str("from", req.Printer).Str("to", next).Msg("falling back to another printer")
	}

	q.fail(id, lastErr)
}

// fallbackFor prefers an untried healthy pool member, then asks the selector.
// Called with q.mu held.
func (q *Queue) fallbackFor(tried []string) (string, bool) {
	for _, name := range q.selector.Pool() {
		if contains(tried, name) {
			continue
		}
		if rec, ok := q.selector.Get(name); ok && rec.Status.Healthy() {
			return name, true
		}
	}
	return q.selector.SelectNext(tried...)
}

type attemptResult struct {
	printed bool
	err     error
}

// attempt runs one native print under the print timeout. On timeout the driver
// call is left running; only its result is discarded.
func (q *Queue) attempt(req PrintRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.printTimeout)
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptResult{err: fmt.Errorf("print driver panicked: %v", r)}
			}
		}()
		printed, err := q.driver.Print(ctx, req)
		ch <- attemptResult{printed: printed, err: err}
	}()

	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			metrics.PrintAttempts.WithLabelValues("error").Inc()
			return false, &PrintError{Printer: req.Printer, Err: res.err}
		case !res.printed:
			metrics.PrintAttempts.WithLabelValues("failed").Inc()
			return false, nil
		default:
			metrics.PrintAttempts.WithLabelValues("ok").Inc()
			return true, nil
		}
	case <-ctx.Done():
		metrics.PrintAttempts.WithLabelValues("timeout").Inc()
		return false, &PrintError{Printer: req.Printer, Timeout: true, Err: ctx.Err()}
	}
}

func (q *Queue) fail(id string, cause error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	now := q.now()
	job.Status = JobStatusFailed
	job.CompletedAt = &now
	if cause != nil {
		job.Error = cause.Error()
	}
	if job.Error == "" {
		job.Error = "print failed on every available printer"
	}
	q.release(job)
	snap := q.snapshotLocked(job)
	q.mu.Unlock()

	metrics.Jobs.WithLabelValues(string(JobStatusFailed)).Inc()
	q.log.Error().Str("job_id", id).Str("error", snap.Error).Int("retries", snap.Retries).Strs("tried", snap.Tried).Msg("job failed")
	q.publish(snap)
	q.evict()
}

// CancelJob cancels a pending or printing job. An attempt already running on
// the device is not interrupted; its result is ignored.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != JobStatusPending && job.Status != JobStatusPrinting {
		q.mu.Unlock()
		return ErrJobNotCancellable
	}
	now := q.now()
	job.Status = JobStatusCancelled
	job.CompletedAt = &now
	q.release(job)
	snap := q.snapshotLocked(job)
	q.mu.Unlock()

	metrics.Jobs.WithLabelValues(string(JobStatusCancelled)).Inc()
	q.log.Info().Str("job_id", id).Msg("job cancelled")
	q.publish(snap)
	q.complete(snap)
	q.evict()
	return nil
}

func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.clone(), true
}

// ListJobs returns every tracked job, oldest first.
func (q *Queue) ListJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

func (q *Queue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := QueueSnapshot{Jobs: q.sortedLocked()}
	for _, j := range snap.Jobs {
		switch j.Status {
		case JobStatusPending:
			snap.Pending++
		case JobStatusPrinting:
			snap.Printing++
		case JobStatusCompleted:
			snap.Completed++
		case JobStatusFailed:
			snap.Failed++
		case JobStatusCancelled:
			snap.Cancelled++
		}
	}
	snap.Active = snap.Pending + snap.Printing
	snap.Total = len(snap.Jobs)
	return snap
}

// ClearFinished removes every terminal job and returns how many were removed.
func (q *Queue) ClearFinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, j := range q.jobs {
		if j.Status.Terminal() {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// Wait blocks until every dispatched job has stopped running or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evict drops the oldest terminal jobs once there are more than maxFinished.
func (q *Queue) evict() {
	q.mu.Lock()
	defer q.mu.Unlock()

	finished := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if j.Status.Terminal() {
			finished = append(finished, j)
		}
	}
	excess := len(finished) - q.maxFinished
	if excess <= 0 {
		return
	}

	sort.Slice(finished, func(a, b int) bool {
		ta, tb := finishedAt(finished[a]), finishedAt(finished[b])
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return finished[a].ID < finished[b].ID
	})
	for _, j := range finished[:excess] {
		delete(q.jobs, j.ID)
	}
	q.log.Debug().Int("evicted", excess).Msg("evicted finished jobs")
}

func finishedAt(j *Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

// release frees the path slot held by an active job. Called with q.mu held.
func (q *Queue) release(job *Job) {
	if q.active[job.Filepath] == job.ID {
		delete(q.active, job.Filepath)
	}
}

func (q *Queue) sortedLocked() []Job {
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// snapshotLocked advances the job's event sequence and returns the copy to
// publish. Called with q.mu held.
func (q *Queue) snapshotLocked(job *Job) Job {
	job.seq++
	return job.clone()
}

// publish emits j unless a newer state of the same job exists. A job that has
// been removed only ever had its terminal event outstanding.
func (q *Queue) publish(j Job) {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	q.mu.Lock()
	cur, ok := q.jobs[j.ID]
	stale := (ok && cur.seq != j.seq) || (!ok && !j.Status.Terminal())
	q.mu.Unlock()
	if stale {
		q.log.Debug().Str("job_id", j.ID).Str("status", string(j.Status)).Msg("dropping superseded job event")
		return
	}

	q.notifier.Notify(events.JobStatusChanged{
		JobID:    j.ID,
		Filename: j.Filename,
		Printer:  j.PrinterName,
		Status:   string(j.Status),
		Retries:  j.Retries,
		Error:    j.Error,
	})
}

func (q *Queue) complete(j Job) {
	if q.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Str("job_id", j.ID).Msg("completion callback panicked")
		}
	}()
	q.onComplete(j)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
