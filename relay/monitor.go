package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// unhealthyAfter is the consecutive-failure count at which a relay is
// reported unhealthy.
const unhealthyAfter = 3

// Health is the telemetry kept for one relay.
type Health struct {
	Relay               string    `json:"relay"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastCheck           time.Time `json:"lastCheck"`
	ResponseMillis      int64     `json:"responseMillis"`
	LastError           string    `json:"lastError,omitempty"`
}

// Monitor tracks relay health across periodic probes. Monitoring is
// advisory: an unhealthy relay still receives bundle fan-out.
type Monitor struct {
	mu     sync.RWMutex
	health map[string]Health
}

func NewMonitor() *Monitor {
	return &Monitor{health: make(map[string]Health)}
}

// Probe health-checks every client in parallel and folds the outcomes into
// the tracked state. A failing relay never aborts the probes of the others.
func (m *Monitor) Probe(ctx context.Context, clients []*Client) {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			elapsed, err := c.HealthCheck(ctx)
			m.record(c.Name(), elapsed, err)
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) record(name string, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health[name]
	h.Relay = name
	h.LastCheck = time.Now().UTC()
	if err != nil {
		h.ConsecutiveFailures++
		h.Healthy = h.ConsecutiveFailures < unhealthyAfter
		h.LastError = err.Error()
		log.Warn("Relay health check failed", "relay", name, "consecutiveFailures", h.ConsecutiveFailures, "err", err)
	} else {
		h.ConsecutiveFailures = 0
		h.Healthy = true
		h.ResponseMillis = elapsed.Milliseconds()
		h.LastError = ""
	}
	m.health[name] = h
}

// Snapshot returns the tracked health entries sorted by relay name.
func (m *Monitor) Snapshot() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Health, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relay < out[j].Relay })
	return out
}
