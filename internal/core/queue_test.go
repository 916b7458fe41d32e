package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/boothspool/internal/events"
)

func newTestQueue(t *testing.T, driver *fakeDriver, devices []RawDevice, pool []string, opts ...QueueOption) (*Queue, *events.Recorder) {
	t.Helper()
	enum := &fakeEnumerator{}
	enum.set(devices...)
	reg := NewRegistry(enum)
	_, err := reg.Discover(context.Background(), true)
	require.NoError(t, err)
	reg.SetPool(pool)

	rec := events.NewRecorder()
	opts = append([]QueueOption{WithQueueNotifier(rec)}, opts...)
	return NewQueue(driver, reg, opts...), rec
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func jobStatuses(rec *events.Recorder, id string) []string {
	var out []string
	for _, p := range rec.OfType(events.TypeJobStatusChanged) {
		if e := p.(events.JobStatusChanged); e.JobID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

func TestQueueSubmitPrints(t *testing.T) {
	driver := &fakeDriver{}
	var completed []Job
	var mu sync.Mutex
	q, rec := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"},
		WithOnComplete(func(j Job) {
			mu.Lock()
			completed = append(completed, j)
			mu.Unlock()
		}))

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{Orientation: "landscape"})
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "A", job.PrinterName)
	assert.NotEmpty(t, job.ID)

	waitIdle(t, q)

	got, ok := q.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Empty(t, got.Error)
	assert.Zero(t, got.Retries)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	require.Len(t, driver.calls, 1)
	assert.Equal(t, 1, driver.calls[0].Copies)
	assert.Equal(t, "landscape", driver.calls[0].Orientation)
	assert.Equal(t, "/p/x.jpg", driver.calls[0].Path)

	assert.Equal(t, []string{"pending", "printing", "completed"}, jobStatuses(rec, job.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 1)
	assert.Equal(t, job.ID, completed[0].ID)
}

func TestQueueSubmitDefaultsFilename(t *testing.T) {
	q, _ := newTestQueue(t, &fakeDriver{}, []RawDevice{device("A", StatusReady)}, nil)

	job, err := q.Submit("", "/photos/session/IMG_0001.jpg", JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, "IMG_0001.jpg", job.Filename)
	waitIdle(t, q)
}

func TestQueueSubmitDedupesActivePath(t *testing.T) {
	release := make(chan struct{})
	driver := &fakeDriver{fn: func(context.Context, PrintRequest) (bool, error) {
		<-release
		return true, nil
	}}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"})

	first, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	second, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, q.ListJobs(), 1)

	close(release)
	waitIdle(t, q)

	third, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	waitIdle(t, q)
}

func TestQueueSubmitErrors(t *testing.T) {
	q, _ := newTestQueue(t, &fakeDriver{}, []RawDevice{device("A", StatusOffline)}, nil)

	_, err := q.Submit("x.jpg", "", JobOptions{})
	assert.ErrorIs(t, err, ErrEmptyFilepath)

	_, err = q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	assert.ErrorIs(t, err, ErrNoPrinterAvailable)
	assert.Empty(t, q.ListJobs())
}

func TestQueueExplicitPrinter(t *testing.T) {
	driver := &fakeDriver{}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady), device("B", StatusReady)}, []string{"A"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{Printer: "B", Copies: 3})
	require.NoError(t, err)
	waitIdle(t, q)

	assert.Equal(t, "B", job.PrinterName)
	require.Len(t, driver.calls, 1)
	assert.Equal(t, "B", driver.calls[0].Printer)
	assert.Equal(t, 3, driver.calls[0].Copies)
}

func TestQueueFallsBackToHealthyPoolMember(t *testing.T) {
	driver := &fakeDriver{fn: failOn("A")}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady), device("B", StatusReady)}, []string{"A", "B"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{Printer: "A"})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "B", got.PrinterName)
	assert.Equal(t, []string{"A"}, got.Tried)
	assert.Equal(t, 1, got.Retries)
	assert.Empty(t, got.Error)
	assert.Equal(t, []string{"A", "B"}, driver.Printers())
}

func TestQueueFallbackSkipsUnhealthyPoolMembers(t *testing.T) {
	driver := &fakeDriver{fn: failOn("A")}
	q, _ := newTestQueue(t, driver,
		[]RawDevice{device("A", StatusReady), device("B", StatusOffline), device("C", StatusReady)},
		[]string{"A", "B", "C"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{Printer: "A"})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "C", got.PrinterName)
	assert.Equal(t, []string{"A", "C"}, driver.Printers())
}

func TestQueueFallbackOutsidePool(t *testing.T) {
	driver := &fakeDriver{fn: failOn("A")}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady), device("Z", StatusReady)}, nil)

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{Printer: "A"})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "Z", got.PrinterName)
}

func TestQueueRetriesBounded(t *testing.T) {
	driver := &fakeDriver{fn: failOn("A", "B", "C", "D")}
	devices := []RawDevice{device("A", StatusReady), device("B", StatusReady), device("C", StatusReady), device("D", StatusReady)}
	q, rec := newTestQueue(t, driver, devices, []string{"A", "B", "C", "D"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, DefaultMaxRetries, got.Retries)
	assert.Equal(t, []string{"A", "B", "C"}, got.Tried)
	assert.NotEmpty(t, got.Error)
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, driver.calls, DefaultMaxRetries+1)

	statuses := jobStatuses(rec, job.ID)
	assert.Equal(t, "failed", statuses[len(statuses)-1])
	for _, p := range rec.OfType(events.TypeJobStatusChanged) {
		assert.LessOrEqual(t, p.(events.JobStatusChanged).Retries, DefaultMaxRetries)
	}
}

func TestQueueFailsWithoutFallback(t *testing.T) {
	driver := &fakeDriver{fn: failOn("A")}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady), device("B", StatusOffline)}, []string{"A", "B"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, "A", got.PrinterName)
	assert.Contains(t, got.Error, "print on A failed")
}

func TestQueueZeroRetries(t *testing.T) {
	driver := &fakeDriver{fn: failOn("A")}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady), device("B", StatusReady)}, []string{"A", "B"},
		WithMaxRetries(0))

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Zero(t, got.Retries)
	assert.Len(t, driver.calls, 1)
}

func TestQueueDriverErrorTriggersFallback(t *testing.T) {
	driver := &fakeDriver{fn: func(_ context.Context, req PrintRequest) (bool, error) {
		if req.Printer == "A" {
			return false, errors.New("lp: printer not responding")
		}
		return true, nil
	}}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady), device("B", StatusReady)}, []string{"A", "B"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{Printer: "A"})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "B", got.PrinterName)
}

func TestQueuePrintTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	driver := &fakeDriver{fn: func(context.Context, PrintRequest) (bool, error) {
		<-release
		return true, nil
	}}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"},
		WithPrintTimeout(20*time.Millisecond))

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
}

func TestQueueDriverPanic(t *testing.T) {
	driver := &fakeDriver{fn: func(context.Context, PrintRequest) (bool, error) {
		panic("driver bug")
	}}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "panicked")
}

func TestQueueCancelDuringPrint(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	driver := &fakeDriver{fn: func(context.Context, PrintRequest) (bool, error) {
		started <- struct{}{}
		<-release
		return true, nil
	}}
	var cancelled []Job
	var mu sync.Mutex
	q, rec := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"},
		WithOnComplete(func(j Job) {
			mu.Lock()
			cancelled = append(cancelled, j)
			mu.Unlock()
		}))

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.CancelJob(job.ID))
	close(release)
	waitIdle(t, q)

	got, _ := q.GetJob(job.ID)
	assert.Equal(t, JobStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"pending", "printing", "cancelled"}, jobStatuses(rec, job.ID))

	mu.Lock()
	require.Len(t, cancelled, 1)
	assert.Equal(t, JobStatusCancelled, cancelled[0].Status)
	mu.Unlock()

	assert.ErrorIs(t, q.CancelJob(job.ID), ErrJobNotCancellable)
	assert.ErrorIs(t, q.CancelJob("missing"), ErrJobNotFound)

	// The path is free again once the job is cancelled.
	next, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, next.ID)
	waitIdle(t, q)
}

func TestQueueDropsEventSupersededByCancel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	driver := &fakeDriver{fn: func(context.Context, PrintRequest) (bool, error) {
		started <- struct{}{}
		<-release
		return true, nil
	}}
	q, rec := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"})

	job, err := q.Submit("x.jpg", "/p/x.jpg", JobOptions{})
	require.NoError(t, err)
	<-started

	// A printing snapshot taken before the cancel but published after it.
	q.mu.Lock()
	printing := q.jobs[job.ID].clone()
	q.mu.Unlock()
	require.Equal(t, JobStatusPrinting, printing.Status)

	require.NoError(t, q.CancelJob(job.ID))
	q.publish(printing)
	close(release)
	waitIdle(t, q)

	assert.Equal(t, []string{"pending", "printing", "cancelled"}, jobStatuses(rec, job.ID))

	// Once the job is gone only its terminal state may still be reported.
	assert.Equal(t, 1, q.ClearFinished())
	q.publish(printing)
	assert.Equal(t, []string{"pending", "printing", "cancelled"}, jobStatuses(rec, job.ID))
}

func TestQueueEvictsOldestFinished(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, &fakeDriver{}, []RawDevice{device("A", StatusReady)}, []string{"A"},
		WithMaxFinished(3), WithQueueClock(clock.Now))

	paths := []string{"/p/1.jpg", "/p/2.jpg", "/p/3.jpg", "/p/4.jpg", "/p/5.jpg"}
	for _, p := range paths {
		_, err := q.Submit("", p, JobOptions{})
		require.NoError(t, err)
		waitIdle(t, q)
		clock.Advance(time.Second)
	}

	var kept []string
	for _, j := range q.ListJobs() {
		kept = append(kept, j.Filepath)
	}
	assert.Equal(t, []string{"/p/3.jpg", "/p/4.jpg", "/p/5.jpg"}, kept)
}

func TestQueueEvictionSparesActiveJobs(t *testing.T) {
	release := make(chan struct{})
	driver := &fakeDriver{fn: func(_ context.Context, req PrintRequest) (bool, error) {
		if req.Path == "/p/active.jpg" {
			<-release
		}
		return true, nil
	}}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"}, WithMaxFinished(1))

	active, err := q.Submit("", "/p/active.jpg", JobOptions{})
	require.NoError(t, err)
	for _, p := range []string{"/p/1.jpg", "/p/2.jpg", "/p/3.jpg"} {
		_, err := q.Submit("", p, JobOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s := q.Snapshot()
		return len(driver.Printers()) == 4 && s.Completed == 1 && s.Active == 1
	}, 2*time.Second, time.Millisecond)

	snap := q.Snapshot()
	assert.Equal(t, 1, snap.Active)
	_, ok := q.GetJob(active.ID)
	assert.True(t, ok)

	close(release)
	waitIdle(t, q)
	assert.Equal(t, 1, q.Snapshot().Completed)
}

func TestQueueSnapshotAndClearFinished(t *testing.T) {
	driver := &fakeDriver{fn: failOn("B")}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady), device("B", StatusReady)}, nil)

	_, err := q.Submit("", "/p/ok.jpg", JobOptions{Printer: "A"})
	require.NoError(t, err)
	waitIdle(t, q)
	_, err = q.Submit("", "/p/bad.jpg", JobOptions{Printer: "B"})
	require.NoError(t, err)
	waitIdle(t, q)

	snap := q.Snapshot()
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 0, snap.Active)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 0, snap.Failed)
	require.Len(t, snap.Jobs, 2)

	assert.Equal(t, 2, q.ClearFinished())
	assert.Empty(t, q.ListJobs())
	assert.Equal(t, 0, q.ClearFinished())
}

func TestQueueSnapshotCountsFailures(t *testing.T) {
	driver := &fakeDriver{fn: failOn("A")}
	q, _ := newTestQueue(t, driver, []RawDevice{device("A", StatusReady)}, []string{"A"})

	_, err := q.Submit("", "/p/bad.jpg", JobOptions{})
	require.NoError(t, err)
	waitIdle(t, q)

	snap := q.Snapshot()
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Total)
}
