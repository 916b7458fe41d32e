package app

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/core"
	"github.com/orrn/boothspool/internal/events"
)

// Submitter is the part of the queue the dispatcher needs.
type Submitter interface {
	Submit(filename, path string, opts core.JobOptions) (core.Job, error)
}

// Dispatcher turns PhotoReady events into print jobs.
type Dispatcher struct {
	queue    Submitter
	defaults core.JobOptions
	log      zerolog.Logger
}

func NewDispatcher(queue Submitter, defaults core.JobOptions, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		defaults: defaults,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle is an events.Handler.
func (d *Dispatcher) Handle(evt events.Event) {
	photo, ok := evt.Data.(events.PhotoReady)
	if !ok {
		return
	}

	job, err := d.queue.Submit(photo.Filename, photo.Path, d.defaults)
	if err != nil {
		ev := d.log.Error()
		if errors.Is(err, core.ErrNoPrinterAvailable) {
			ev = d.log.Warn()
		}
		ev.Err(err).Str("filename", photo.Filename).Str("source", photo.Source).Msg("photo not queued")
		return
	}
	d.log.Info().Str("job_id", job.ID).Str("filename", photo.Filename).Str("printer", job.PrinterName).Msg("photo queued")
}

// logFinished is the queue completion callback. The queue invokes it for
// completed and cancelled jobs; failures are logged by the queue itself.
func logFinished(log zerolog.Logger) func(core.Job) {
	log = log.With().Str("component", "dispatcher").Logger()
	return func(job core.Job) {
		log.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Str("printer", job.PrinterName).
			Int("retries", job.Retries).Msg("job finished")
	}
}
