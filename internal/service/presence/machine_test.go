package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now += d
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			t.f()
		}
	}
}

func newMachine(grace time.Duration) (*Machine, *fakeClock) {
	clock := &fakeClock{}
	return New(grace, WithClock(clock)), clock
}

func TestPresenceTurnScenario(t *testing.T) {
	m, clock := newMachine(2 * time.Second)
	require.Equal(t, Idle, m.State())

	m.Send()
	assert.Equal(t, Thinking, m.State())

	m.Content()
	assert.Equal(t, Speaking, m.State())
	m.Content()
	assert.Equal(t, Speaking, m.State())

	m.Done()
	assert.Equal(t, Speaking, m.State())
	assert.True(t, m.Pending())

	clock.Advance(1999 * time.Millisecond)
	assert.Equal(t, Speaking, m.State())
	assert.False(t, m.Suggestion())

	clock.Advance(time.Millisecond)
	assert.Equal(t, Idle, m.State())
	assert.False(t, m.Pending())

	assert.True(t, m.TakeSuggestion())
	assert.False(t, m.TakeSuggestion())
}

func TestSendSupersedesPendingIdle(t *testing.T) {
	m, clock := newMachine(2 * time.Second)
	m.Send()
	m.Content()
	m.Done()

	clock.Advance(time.Second)
	m.Send()
	assert.Equal(t, Thinking, m.State())

	clock.Advance(5 * time.Second)
	assert.Equal(t, Thinking, m.State())
	assert.False(t, m.Suggestion())
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	var queued []func()
	clock := &fakeClock{}
	m := New(time.Second, WithClock(clock), WithDispatcher(func(f func()) { queued = append(queued, f) }))

	m.Send()
	m.Content()
	m.Done()
	clock.Advance(time.Second)
	require.Len(t, queued, 1)

	// A new turn starts before the queued expiry is processed.
	m.Send()
	queued[0]()

	assert.Equal(t, Thinking, m.State())
	assert.False(t, m.Suggestion())
}

func TestDoneWithoutContentStillReturnsToIdle(t *testing.T) {
	m, clock := newMachine(time.Second)
	m.Send()
	m.Done()
	assert.Equal(t, Thinking, m.State())

	clock.Advance(time.Second)
	assert.Equal(t, Idle, m.State())
	assert.True(t, m.Suggestion())
}

func TestDoneWhileIdleDoesNothing(t *testing.T) {
	m, clock := newMachine(time.Second)
	m.Done()
	assert.False(t, m.Pending())
	clock.Advance(time.Minute)
	assert.False(t, m.Suggestion())
}

func TestAbandonCancelsWithoutSuggestion(t *testing.T) {
	m, clock := newMachine(time.Second)
	m.Send()
	m.Content()
	m.Done()
	m.Abandon()

	assert.Equal(t, Idle, m.State())
	clock.Advance(time.Minute)
	assert.False(t, m.Suggestion())
}

func TestOnChangeReportsTransitions(t *testing.T) {
	var seen []State
	clock := &fakeClock{}
	m := New(time.Second, WithClock(clock), OnChange(func(s State) { seen = append(seen, s) }))

	m.Send()
	m.Content()
	m.Done()
	clock.Advance(time.Second)

	assert.Equal(t, []State{Thinking, Speaking, Idle}, seen)
}

func TestSystemClockFires(t *testing.T) {
	done := make(chan struct{})
	m := New(10*time.Millisecond, WithDispatcher(func(f func()) {
		f()
		close(done)
	}))
	m.Send()
	m.Done()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("grace timer did not fire")
	}
	assert.Equal(t, Idle, m.State())
}
