package core

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/orrn/boothspool/internal/events"
)

// RunSupervised calls fn and recovers a panic. The panic is logged, published
// as an EngineError and handed to onPanic so the caller can restore its
// invariants. Callers run it on their own goroutine.
func RunSupervised(log zerolog.Logger, notifier events.Notifier, component string, fn func(), onPanic func(recovered any)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", component).Interface("panic", r).Msg("background task panicked")
			notifier.Notify(events.EngineError{Component: component, Message: fmt.Sprint(r)})
			if onPanic != nil {
				onPanic(r)
			}
		}
	}()
	fn()
}
