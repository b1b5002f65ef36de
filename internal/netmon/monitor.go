// Package netmon observes connectivity to the report service.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transition is a change in connectivity.
type Transition struct {
	Online bool
	At     time.Time
}

const subscriberBuffer = 16

// Monitor holds the current connectivity flag and fans transitions out to
// subscribers. It never calls back into its subscribers synchronously.
//
// Connectivity is the observed state unless the user holds the monitor
// offline; observations made during a hold are recorded but not published.
type Monitor struct {
	mu       sync.Mutex
	observed bool
	held     bool
	subs     map[int]chan Transition
	nextID   int
}

// New returns a Monitor starting in the given state.
func New(online bool) *Monitor {
	return &Monitor{observed: online, subs: make(map[int]chan Transition)}
}

// Online reports whether the service is reachable and not held offline.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online()
}

// Held reports whether the monitor is held offline.
func (m *Monitor) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Set records the observed state and reports whether Online changed.
// Subscribers that are not keeping up miss intermediate transitions.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.online()
	m.observed = online
	return m.publish(was)
}

// Hold forces the monitor offline until released with Hold(false), whatever
// health checks observe. It reports whether Online changed.
func (m *Monitor) Hold(offline bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.online()
	m.held = offline
	return m.publish(was)
}

func (m *Monitor) online() bool { return m.observed && !m.held }

// publish notifies subscribers if Online differs from was. m.mu is held.
func (m *Monitor) publish(was bool) bool {
	now := m.online()
	if now == was {
		return false
	}
	tr := Transition{Online: now, At: time.Now()}
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
		}
	}
	return true
}

// Subscribe returns a channel of future transitions and a func that
// unsubscribes and closes it.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Transition, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Pinger is the health check the HealthChecker runs.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	defaultCheckInterval = 5 * time.Second
	// offlineThreshold matches the number of failed polls after which the
	// service is treated as unreachable.
	offlineThreshold = 2
)

// HealthChecker drives a Monitor from periodic health checks.
type HealthChecker struct {
	Monitor  *Monitor
	Pinger   Pinger
	Interval time.Duration
	Logger   *zap.Logger

	failures int
}

// Run checks until ctx is cancelled. It blocks.
func (p *HealthChecker) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one health check. One success marks the service online; it takes
// consecutive failures to mark it offline.
func (p *HealthChecker) Check(ctx context.Context) {
	err := p.Pinger.Ping(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		p.failures = 0
		if p.Monitor.Set(true) {
			p.logger().Info("service reachable")
		}
		return
	}
	p.failures++
	p.logger().Debug("health check failed", zap.Int("failures", p.failures), zap.Error(err))
	if p.failures >= offlineThreshold && p.Monitor.Set(false) {
		p.logger().Warn("service unreachable, going offline", zap.Error(err))
	}
}

func (p *HealthChecker) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
