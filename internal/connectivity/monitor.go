package connectivity

import (
	"context"
	"sync"
	"time"

	"salonsync/internal/domain"
	"salonsync/internal/events"
	"salonsync/internal/metrics"
	"salonsync/internal/models"

	"github.com/rs/zerolog"
)

// Monitor tracks two levels of reachability: the raw transport signal
// (fed in by the host via SetTransportOnline) and verified application
// reachability established by an active health probe. Transitions are
// edge-triggered: exactly one event per state change.
//
// offline -> online happens only on a successful probe; online -> offline
// happens immediately on transport loss or a failed probe.
type Monitor struct {
	prober   domain.HealthProber
	bus      *events.Bus
	logger   zerolog.Logger
	interval time.Duration
	nowFn    func() time.Time

	mu     sync.Mutex
	status models.ConnectionStatus
}

var _ domain.ConnectionSource = (*Monitor)(nil)

func NewMonitor(prober domain.HealthProber, bus *events.Bus, interval time.Duration, logger *zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		prober:   prober,
		bus:      bus,
		logger:   logger.With().Str("component", "connectivity").Logger(),
		interval: interval,
		nowFn:    time.Now,
		// Transport is assumed up until the host says otherwise; the
		// application level still starts disconnected until a probe passes.
		status: models.ConnectionStatus{IsOnline: true},
	}
}

// Start runs the fixed-interval probe loop until ctx is done. An initial
// check runs immediately so a freshly started process does not wait a full
// interval before its first drain.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("connectivity monitor started")
	defer m.logger.Info().Msg("connectivity monitor stopped")

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and applies the resulting transition. It returns
// the verified connectivity after the check.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	transportUp := m.status.IsOnline
	m.mu.Unlock()

	if !transportUp {
		m.applyProbeResult(false)
		return false
	}

	ok := m.prober.ProbeHealth(ctx)
	m.applyProbeResult(ok)
	return ok
}

// SetTransportOnline feeds the raw transport signal in. Losing transport
// forces an immediate offline transition; regaining it triggers a probe,
// since transport alone must never start a dispatch storm.
func (m *Monitor) SetTransportOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	m.status.IsOnline = online
	m.mu.Unlock()

	if online {
		m.Check(ctx)
		return
	}
	m.applyProbeResult(false)
}

func (m *Monitor) applyProbeResult(ok bool) {
	m.mu.Lock()
	wasConnected := m.status.IsConnected
	m.status.IsConnected = ok
	m.status.LastCheck = m.nowFn()
	if ok {
		m.status.ConsecutiveFailures = 0
	} else {
		m.status.ConsecutiveFailures++
	}
	failures := m.status.ConsecutiveFailures
	m.mu.Unlock()

	metrics.SetConnected(ok)

	if ok && !wasConnected {
		m.logger.Info().Msg("remote reachable")
		m.bus.Publish(events.Event{Type: events.EventOnline})
	} else if !ok && wasConnected {
		m.logger.Warn().Int("consecutive_failures", failures).Msg("remote unreachable")
		m.bus.Publish(events.Event{Type: events.EventOffline})
	}
}

// Connected reports verified application-level reachability.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsConnected
}

// Status returns a snapshot of the current connection state.
func (m *Monitor) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
