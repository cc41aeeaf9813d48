package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/require"
)

// togglableProbe fails while down is set.
type togglableProbe struct {
	mu   sync.Mutex
	down bool
}

func (p *togglableProbe) probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("connection refused")
	}
	return nil
}

func (p *togglableProbe) set(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func newTestMonitor(ledger, store *togglableProbe) *Monitor {
	return New(ledger.probe, store.probe, time.Minute, 3, cmtlog.NewNopLogger())
}

func TestAssumesHealthBeforeFirstProbe(t *testing.T) {
	m := newTestMonitor(&togglableProbe{}, &togglableProbe{})
	require.False(t, m.IsDegraded())
	status := m.LastStatus()
	require.True(t, status.Online)
	require.True(t, status.StoreReachable)
}

func TestDegradesOnEitherBackend(t *testing.T) {
	ledgerProbe := &togglableProbe{}
	storeProbe := &togglableProbe{}
	m := newTestMonitor(ledgerProbe, storeProbe)

	status := m.Probe(context.Background())
	require.True(t, status.Online)
	require.False(t, m.IsDegraded())

	ledgerProbe.set(true)
	status = m.Probe(context.Background())
	require.False(t, status.Online)
	require.True(t, status.StoreReachable)
	require.True(t, m.IsDegraded())

	ledgerProbe.set(false)
	storeProbe.set(true)
	status = m.Probe(context.Background())
	require.True(t, status.Online)
	require.False(t, status.StoreReachable)
	require.True(t, m.IsDegraded())
}

func TestResumeSignalOnRecovery(t *testing.T) {
	ledgerProbe := &togglableProbe{}
	m := newTestMonitor(ledgerProbe, &togglableProbe{})

	ledgerProbe.set(true)
	m.Probe(context.Background())
	require.True(t, m.IsDegraded())

	select {
	case <-m.Resume():
		t.Fatal("resume must not fire while degraded")
	default:
	}

	ledgerProbe.set(false)
	m.Probe(context.Background())
	require.False(t, m.IsDegraded())

	select {
	case <-m.Resume():
	default:
		t.Fatal("expected a resume signal after recovery")
	}

	// A healthy probe with no preceding degradation emits nothing.
	m.Probe(context.Background())
	select {
	case <-m.Resume():
		t.Fatal("resume must only fire on the degraded -> healthy transition")
	default:
	}
}

func TestRepeatedOutagesSignalEachRecovery(t *testing.T) {
	ledgerProbe := &togglableProbe{}
	m := newTestMonitor(ledgerProbe, &togglableProbe{})

	for i := 0; i < 3; i++ {
		ledgerProbe.set(true)
		m.Probe(context.Background())
		require.True(t, m.IsDegraded())

		ledgerProbe.set(false)
		m.Probe(context.Background())
		select {
		case <-m.Resume():
		default:
			t.Fatalf("expected resume signal after recovery %d", i)
		}
	}
}
