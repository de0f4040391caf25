package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_transitions(t *testing.T) {
	m := NewMonitor(false)
	ch := m.Subscribe()

	m.Set(false) // no change, no event
	m.Set(true)

	select {
	case online := <-ch:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("expected transition")
	}
	assert.True(t, m.Online())

	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	default:
	}
}

func TestMonitor_slowSubscriberSeesLatest(t *testing.T) {
	m := NewMonitor(true)
	ch := m.Subscribe()

	m.Set(false)
	m.Set(true)
	m.Set(false)

	assert.False(t, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected buffered event %v", v)
	default:
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true)
	ch := m.Subscribe()
	m.Unsubscribe(ch)

	m.Set(false)
	_, open := <-ch
	assert.False(t, open)
}

type fakeChecker struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (f *fakeChecker) Health(context.Context) error {
	f.calls.Add(1)
	if f.healthy.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func TestProber_Probe(t *testing.T) {
	checker := &fakeChecker{}
	m := NewMonitor(true)
	p := NewProber(checker, m, time.Minute)

	assert.False(t, p.Probe(context.Background()))
	assert.False(t, m.Online())

	checker.healthy.Store(true)
	assert.True(t, p.Probe(context.Background()))
	assert.True(t, m.Online())
}

func TestProber_StartStop(t *testing.T) {
	checker := &fakeChecker{}
	checker.healthy.Store(true)
	m := NewMonitor(false)
	p := NewProber(checker, m, 10*time.Millisecond)

	p.Start(context.Background())
	p.Start(context.Background())

	require.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.Online())

	p.Stop()
	p.Stop()
	calls := checker.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, checker.calls.Load())
}
