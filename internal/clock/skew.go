// Package clock measures the offset between the local clock and the
// remote store's clock so last-write-wins comparisons use one timeline.
package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often the monitor re-measures skew.
const DefaultRefreshInterval = 10 * time.Minute

// TimeSource reports the remote store's current clock.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// SkewMonitor periodically samples the remote clock and exposes the
// measured offset. An unreachable time source fails open: the offset
// stays at its last good value, or zero if there never was one, so
// merges degrade to trusting raw timestamps instead of stalling.
type SkewMonitor struct {
	source   TimeSource
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	offset time.Duration
}

// NewSkewMonitor creates a monitor that refreshes at the given interval.
func NewSkewMonitor(source TimeSource, interval time.Duration, logger *slog.Logger) *SkewMonitor {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SkewMonitor{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "clock"),
		now:      time.Now,
	}
}

// SetClock replaces the local time source. Tests only.
func (m *SkewMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Offset returns remote-minus-local: positive when the remote clock
// runs ahead of ours.
func (m *SkewMonitor) Offset() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offset
}

// Normalize maps a remote timestamp onto the local timeline.
func (m *SkewMonitor) Normalize(t time.Time) time.Time {
	return t.Add(-m.Offset())
}

// Refresh samples the remote clock once. The round trip is halved to
// approximate the one-way latency before computing the offset.
func (m *SkewMonitor) Refresh(ctx context.Context) error {
	m.mu.RLock()
	now := m.now
	m.mu.RUnlock()

	sent := now()
	serverTime, err := m.source.ServerTime(ctx)
	if err != nil {
		m.logger.Warn("server time unreachable, keeping last offset",
			"action", "refresh",
			"error", err,
		)
		return err
	}
	received := now()

	rtt := received.Sub(sent)
	midpoint := sent.Add(rtt / 2)
	offset := serverTime.Sub(midpoint)

	m.mu.Lock()
	m.offset = offset
	m.mu.Unlock()

	m.logger.Debug("clock skew measured",
		"action", "refresh",
		"offset_ms", offset.Milliseconds(),
		"rtt_ms", rtt.Milliseconds(),
	)
	return nil
}

// Run refreshes immediately, then on every tick until the context is
// cancelled. Blocks; callers run it in a goroutine.
func (m *SkewMonitor) Run(ctx context.Context) {
	m.logger.Info("clock skew monitor started", "interval", m.interval.String())

	if err := m.Refresh(ctx); err == nil {
		m.logger.Debug("initial skew measurement complete")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("clock skew monitor stopped")
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
