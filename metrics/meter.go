package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMeterWindow is the default number of one-second buckets kept for
// rate calculation.
const DefaultMeterWindow = 5

// Meter is a rolling byte-rate counter. Add is safe for concurrent use from
// any listener; the rate is recomputed once per second over a sliding window
// while the meter is running.
type Meter struct {
	current atomic.Int64 // bytes accumulated in the open bucket
	total   atomic.Int64

	mu      sync.Mutex
	buckets []int64
	filled  int
	next    int
	rate    float64
	stopCh  chan struct{}

	running atomic.Bool
}

// NewMeter creates a meter with the default window.
func NewMeter() *Meter {
	return NewMeterWithWindow(DefaultMeterWindow)
}

// NewMeterWithWindow creates a meter averaging over the given number of
// one-second buckets.
func NewMeterWithWindow(window int) *Meter {
	if window <= 0 {
		window = DefaultMeterWindow
	}
	return &Meter{
		buckets: make([]int64, window),
	}
}

// Start begins rate tracking. Safe to call multiple times.
func (m *Meter) Start() {
	if m.running.Swap(true) {
		return // Already running
	}

	m.mu.Lock()
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.loop(stopCh)
}

// Stop halts rate tracking. Counters keep their values and Add still
// accumulates; only the periodic rate update stops.
func (m *Meter) Stop() {
	if !m.running.Swap(false) {
		return // Already stopped
	}

	m.mu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.mu.Unlock()
}

// IsRunning returns true if the meter is tracking rate.
func (m *Meter) IsRunning() bool {
	return m.running.Load()
}

// Add records n bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.current.Add(int64(n))
	m.total.Add(int64(n))
}

// Total returns the total bytes recorded since creation.
func (m *Meter) Total() int64 {
	return m.total.Load()
}

// Rate returns the average bytes per second over the sliding window.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

func (m *Meter) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.rotate()
		}
	}
}

// rotate closes the open bucket and recomputes the windowed rate.
func (m *Meter) rotate() {
	n := m.current.Swap(0)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.buckets[m.next] = n
	m.next = (m.next + 1) % len(m.buckets)
	if m.filled < len(m.buckets) {
		m.filled++
	}

	var sum int64
	for _, b := range m.buckets[:m.filled] {
		sum += b
	}
	m.rate = float64(sum) / float64(m.filled)
}
