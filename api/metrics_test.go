package api

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) fn(e AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, e)
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestRevocationSpikeAlert(t *testing.T) {
	var sink alertSink
	c := newAlertCollector(sink.fn)
	c.revocations.threshold = 5

	for range 4 {
		c.record(eventRevocation)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	c.record(eventRevocation)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRevocationSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestCascadeCountsEveryRevocation(t *testing.T) {
	var sink alertSink
	c := newAlertCollector(sink.fn)
	c.revocations.threshold = 10

	c.recordN(eventRevocation, 12)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, 12, alerts[0].Count)
}

func TestCustodyFailureAlert(t *testing.T) {
	var sink alertSink
	c := newAlertCollector(sink.fn)
	c.custodyFailures.threshold = 3

	for range 3 {
		c.record(eventCustodyFailure)
	}
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCustodyFailures, alerts[0].Type)

	// The window resets after an alert.
	c.record(eventCustodyFailure)
	assert.Len(t, sink.snapshot(), 1)
}

func TestAlertWindowExpires(t *testing.T) {
	var sink alertSink
	c := newAlertCollector(sink.fn)
	c.revocations.threshold = 3
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.record(eventRevocation)
	c.record(eventRevocation)
	now = now.Add(defaultRevocationWindow + time.Second)
	c.record(eventRevocation)
	assert.Empty(t, sink.snapshot(), "old events fall out of the window")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *alertCollector
	assert.NotPanics(t, func() { c.record(eventRevocation) })

	noFn := newAlertCollector(nil)
	assert.NotPanics(t, func() { noFn.recordN(eventCustodyFailure, 100) })
}

func TestTrimWindow(t *testing.T) {
	now := time.Now()
	times := []time.Time{
		now.Add(-3 * time.Minute),
		now.Add(-2 * time.Minute),
		now.Add(-30 * time.Second),
		now,
	}
	trimmed := trimWindow(times, now, time.Minute)
	assert.Len(t, trimmed, 2)
}
