// Package monitor tracks ledger and durable-store reachability and drives
// the pending queue's resume signal.
package monitor

import (
	"context"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/trackware/custodyd/metrics"
)

// Status is the result of one connectivity probe.
type Status struct {
	Online         bool `json:"online"`
	StoreReachable bool `json:"store_reachable"`
}

// ProbeFunc checks one backend. A nil return means reachable.
type ProbeFunc func(ctx context.Context) error

// Monitor periodically probes the ledger and the store. It is degraded when
// either probe fails or when consecutive failures exceed the ceiling. On the
// transition degraded -> healthy it emits one resume signal.
type Monitor struct {
	ledgerProbe  ProbeFunc
	storeProbe   ProbeFunc
	interval     time.Duration
	probeTimeout time.Duration
	ceiling      int
	logger       cmtlog.Logger

	mu           sync.Mutex
	last         Status
	consecutive  int
	degraded     bool
	everProbed   bool
	resumeSignal chan struct{}
}

func New(ledgerProbe, storeProbe ProbeFunc, interval time.Duration, ceiling int, logger cmtlog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 3
	}
	return &Monitor{
		ledgerProbe:  ledgerProbe,
		storeProbe:   storeProbe,
		interval:     interval,
		probeTimeout: 5 * time.Second,
		ceiling:      ceiling,
		logger:       logger,
		resumeSignal: make(chan struct{}, 1),
	}
}

// Resume exposes the signal consumed by the pending queue. The channel is
// buffered so a missed receive never blocks the probe loop.
func (m *Monitor) Resume() <-chan struct{} {
	return m.resumeSignal
}

// Probe checks both backends once. It never returns an error: failures are
// folded into the returned status and the failure counter.
func (m *Monitor) Probe(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	status := Status{
		Online:         m.ledgerProbe(probeCtx) == nil,
		StoreReachable: m.storeProbe(probeCtx) == nil,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = status
	m.everProbed = true

	healthy := status.Online && status.StoreReachable
	if healthy {
		m.consecutive = 0
	} else {
		m.consecutive++
		metrics.ProbeFailuresTotal.Inc()
	}

	wasDegraded := m.degraded
	m.degraded = !healthy || m.consecutive > m.ceiling

	if wasDegraded && !m.degraded {
		m.logger.Info("Connectivity restored, signalling resume")
		select {
		case m.resumeSignal <- struct{}{}:
		default:
		}
	} else if !wasDegraded && m.degraded {
		m.logger.Info("Connectivity degraded",
			"online", status.Online, "store", status.StoreReachable)
	}

	return status
}

// IsDegraded reports whether mutations should be queued rather than applied
// synchronously. Before the first probe the monitor assumes health.
func (m *Monitor) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// LastStatus returns the most recent probe result.
func (m *Monitor) LastStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.everProbed {
		return Status{Online: true, StoreReachable: true}
	}
	return m.last
}

// Run probes on a fixed schedule until ctx is cancelled. The probe loop is
// independent of any in-flight gateway call.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
