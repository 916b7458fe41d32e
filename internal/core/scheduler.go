package core

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs fn every interval until the returned stop function is called.
// Stop is idempotent.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (stop func())
}

// TickerScheduler runs each periodic task on its own goroutine driven by a time.Ticker.
type TickerScheduler struct{}

func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(stopCh)
		})
	}
}

// ManualScheduler fires tasks only when Tick is called. Tests use it to drive
// periodic work without wall-clock waits.
type ManualScheduler struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]manualTask
}

type manualTask struct {
	interval time.Duration
	fn       func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[int]manualTask)}
}

func (s *ManualScheduler) Every(interval time.Duration, fn func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.tasks[id] = manualTask{interval: interval, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
	}
}

// Tick runs every registered task once, synchronously, in registration order.
func (s *ManualScheduler) Tick() {
	for _, fn := range s.snapshot(0) {
		fn()
	}
}

// TickInterval runs only the tasks registered with the given interval.
func (s *ManualScheduler) TickInterval(interval time.Duration) {
	for _, fn := range s.snapshot(interval) {
		fn()
	}
}

// Active returns the number of registered tasks.
func (s *ManualScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *ManualScheduler) snapshot(interval time.Duration) []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.tasks))
	for id, t := range s.tasks {
		if interval == 0 || t.interval == interval {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.tasks[id].fn)
	}
	return fns
}
