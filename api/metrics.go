package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	// AlertRevocationSpike fires when many certificates are revoked in a
	// short window, as happens after a CA compromise or a scripted attack.
	AlertRevocationSpike AlertType = "revocation_spike"
	// AlertCustodyFailures fires when the key custodian keeps failing.
	AlertCustodyFailures AlertType = "custody_failures"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

type alertEvent int

const (
	eventRevocation alertEvent = iota
	eventCustodyFailure
)

// slidingWindow counts events in the trailing window.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// alertCollector tracks sliding window counters for anomaly detection.
type alertCollector struct {
	mu sync.Mutex

	revocations     slidingWindow
	custodyFailures slidingWindow

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultRevocationWindow     = 5 * time.Minute
	defaultRevocationThreshold  = 100
	defaultCustodyFailureWindow = 1 * time.Minute
	defaultCustodyFailureLimit  = 10
)

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		revocations:     slidingWindow{window: defaultRevocationWindow, threshold: defaultRevocationThreshold},
		custodyFailures: slidingWindow{window: defaultCustodyFailureWindow, threshold: defaultCustodyFailureLimit},
		alertFn:         alertFn,
		now:             time.Now,
	}
}

// record counts one event.
func (c *alertCollector) record(event alertEvent) {
	c.recordN(event, 1)
}

// recordN counts n events of one kind, as a cascading CA revocation does.
func (c *alertCollector) recordN(event alertEvent, n int) {
	if c == nil || c.alertFn == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch event {
	case eventRevocation:
		c.observe(&c.revocations, now, n, AlertRevocationSpike, "certificate revocation rate exceeds threshold")
	case eventCustodyFailure:
		c.observe(&c.custodyFailures, now, n, AlertCustodyFailures, "key custody failure rate exceeds threshold")
	}
}

func (c *alertCollector) observe(w *slidingWindow, now time.Time, n int, typ AlertType, msg string) {
	for range n {
		w.times = append(w.times, now)
	}
	w.times = trimWindow(w.times, now, w.window)

	if len(w.times) >= w.threshold {
		c.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
