package clock

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(1700000000, 0))

	var fired []string
	m.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	m.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	m.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	m.Advance(2 * time.Second)
	assert.Equal(t, fired, []string{"a", "b"})
	assert.Equal(t, m.Pending(), 1)

	m.Advance(time.Second)
	assert.Equal(t, fired, []string{"a", "b", "c"})
	assert.Equal(t, m.Pending(), 0)
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(1700000000, 0))

	called := false
	timer := m.AfterFunc(time.Second, func() { called = true })
	assert.Equal(t, timer.Stop(), true)
	assert.Equal(t, timer.Stop(), false)

	m.Advance(5 * time.Second)
	assert.Equal(t, called, false)
}

func TestManualChainedTimersFireWithinOneAdvance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	m := NewManual(start)

	var at []time.Duration
	var tick func()
	tick = func() {
		at = append(at, m.Now().Sub(start))
		if len(at) < 3 {
			m.AfterFunc(time.Second, tick)
		}
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(10 * time.Second)
	assert.Equal(t, at, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second})
	assert.Equal(t, m.Now(), start.Add(10*time.Second))
}
