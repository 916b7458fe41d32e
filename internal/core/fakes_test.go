package core

import (
	"context"
	"sync"
	"time"
)

type fakeEnumerator struct {
	mu      sync.Mutex
	devices []RawDevice
	err     error
	panics  bool
	calls   int
	gate    chan struct{}
}

func (f *fakeEnumerator) Enumerate(ctx context.Context) ([]RawDevice, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	devices := append([]RawDevice(nil), f.devices...)
	err := f.err
	panics := f.panics
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic("enumeration exploded")
	}
	return devices, err
}

func (f *fakeEnumerator) set(devices ...RawDevice) {
	f.mu.Lock()
	f.devices = devices
	f.err = nil
	f.mu.Unlock()
}

func (f *fakeEnumerator) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEnumerator) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeEnumerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// device builds an IPP-style raw descriptor reporting the given status.
func device(name string, status Status) RawDevice {
	d := RawDevice{Name: name, Scheme: SchemeIPP, Options: map[string]string{}}
	switch status {
	case StatusReady:
		d.StatusCode = 3
	case StatusBusy:
		d.StatusCode = 4
	case StatusPaused:
		d.StatusCode = 5
	case StatusOffline:
		d.StatusCode = 3
		d.Options[optPrinterStateReasons] = "offline-report"
	case StatusError:
		d.StatusCode = 5
		d.Options[optPrinterStateReasons] = "media-jam-error"
	default:
		d.StatusCode = 0
	}
	return d
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

type fakeDriver struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, req PrintRequest) (bool, error)
	calls []PrintRequest
}

func (d *fakeDriver) Print(ctx context.Context, req PrintRequest) (bool, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	fn := d.fn
	d.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(ctx, req)
}

func (d *fakeDriver) Printers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Printer
	}
	return out
}

// failOn makes every attempt on the named printers fail.
func failOn(names ...string) func(context.Context, PrintRequest) (bool, error) {
	return func(_ context.Context, req PrintRequest) (bool, error) {
		for _, n := range names {
			if req.Printer == n {
				return false, nil
			}
		}
		return true, nil
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
