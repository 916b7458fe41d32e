package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualScheduler(t *testing.T) {
	s := NewManualScheduler()
	var order []string

	stopA := s.Every(time.Second, func() { order = append(order, "a") })
	s.Every(time.Minute, func() { order = append(order, "b") })
	assert.Equal(t, 2, s.Active())

	s.Tick()
	assert.Equal(t, []string{"a", "b"}, order)

	s.TickInterval(time.Minute)
	assert.Equal(t, []string{"a", "b", "b"}, order)

	stopA()
	stopA()
	s.Tick()
	assert.Equal(t, []string{"a", "b", "b", "b"}, order)
	assert.Equal(t, 1, s.Active())
}

func TestTickerScheduler(t *testing.T) {
	var n atomic.Int32
	stop := TickerScheduler{}.Every(2*time.Millisecond, func() { n.Add(1) })

	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, time.Millisecond)
	stop()
	stop()
}
