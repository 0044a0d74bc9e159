package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const minSweepInterval = 100 * time.Millisecond

// IdleMonitor reaps sessions with no inbound activity past the threshold.
// It only observes registry state and closes transports; counter release
// happens through the normal session close path.
type IdleMonitor struct {
	registry  *Registry
	clock     clock.Clock
	threshold time.Duration
	logger    *slog.Logger
}

func NewIdleMonitor(logger *slog.Logger, registry *Registry, clk clock.Clock, threshold time.Duration) *IdleMonitor {
	return &IdleMonitor{
		registry:  registry,
		clock:     clk,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "idle_monitor")),
	}
}

// Run sweeps until ctx is cancelled. A zero or negative threshold disables
// reaping entirely.
func (m *IdleMonitor) Run(ctx context.Context) {
	if m.threshold <= 0 {
		m.logger.Info("Idle timeout disabled")
		return
	}
	interval := m.threshold / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep closes every session idle past the threshold as of now.
func (m *IdleMonitor) Sweep(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Idle sweep panicked", slog.Any("panic", r))
		}
	}()

	for _, info := range m.registry.Sessions() {
		if info.State != StateActive {
			continue
		}
		if now.Sub(info.LastActivityAt) <= m.threshold {
			continue
		}
		if m.registry.reapIfIdle(info.ID, m.threshold, now) {
			m.logger.Info("Reaped idle session",
				slog.String("sessionID", info.ID.String()),
				slog.String("userID", info.UserID),
				slog.String("room", info.Room),
			)
		}
	}
}
