package agentcomm

import (
	"sort"
	"sync"
	"time"
)

// Rate is the measured traffic of one agent over a meter window.
type Rate struct {
	UUID         string
	MsgPerSec    float64
	UpdatePerSec float64
	LastSeen     time.Time
}

type counter struct {
	msgs     int
	updates  int
	lastSeen time.Time
}

// RateMeter counts uplink messages per agent between flushes.
type RateMeter struct {
	mu     sync.Mutex
	counts map[string]*counter
	since  time.Time
	now    func() time.Time
}

// NewRateMeter creates an empty meter whose window starts now.
func NewRateMeter() *RateMeter {
	return newRateMeter(time.Now)
}

func newRateMeter(now func() time.Time) *RateMeter {
	return &RateMeter{counts: map[string]*counter{}, since: now(), now: now}
}

// Observe counts one message from agent uuid. update marks position
// updates, which are counted in both rates.
func (m *RateMeter) Observe(uuid string, update bool) {
	if uuid == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counts[uuid]
	if c == nil {
		c = &counter{}
		m.counts[uuid] = c
	}
	c.msgs++
	if update {
		c.updates++
	}
	c.lastSeen = m.now()
}

// Flush returns the rates since the previous flush, ordered by uuid, and
// starts a new window.
func (m *RateMeter) Flush() []Rate {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	secs := now.Sub(m.since).Seconds()
	if secs < 1 {
		secs = 1
	}
	out := make([]Rate, 0, len(m.counts))
	for uuid, c := range m.counts {
		out = append(out, Rate{
			UUID:         uuid,
			MsgPerSec:    float64(c.msgs) / secs,
			UpdatePerSec: float64(c.updates) / secs,
			LastSeen:     c.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	m.counts = map[string]*counter{}
	m.since = now
	return out
}

// Reset drops all counts.
func (m *RateMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = map[string]*counter{}
	m.since = m.now()
}
