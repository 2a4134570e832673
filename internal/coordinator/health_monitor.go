package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the health monitor sweeps the registry.
const DefaultSweepInterval = 5 * time.Second

// HealthMonitor periodically sweeps a NodeRegistry, marking silent nodes
// INACTIVE and letting the registry re-elect a cluster leader when the
// assigned one went silent.
// Thread-safe: Start and Stop may be called from different goroutines.
type HealthMonitor struct {
	registry   *NodeRegistry
	clock      clock.Clock
	logger     *zap.Logger
	onInactive func(nodeID string) // Called for each node a sweep silenced
	ctx        context.Context     // Context for cancellation
	cancel     context.CancelFunc  // Cancel function for shutdown
	interval   time.Duration       // How often to sweep
	wg         sync.WaitGroup      // Wait group for graceful shutdown
}

// NewHealthMonitor creates a monitor that sweeps registry every interval.
//
// Parameters:
//   - registry: The registry to sweep
//   - interval: How often to sweep (DefaultSweepInterval when zero)
//   - logger: Structured logger; nil disables logging
//
// Returns:
//   - *HealthMonitor: Configured monitor ready to start
//
// Example:
//
//	monitor := NewHealthMonitor(registry, 5*time.Second, logger)
//	go monitor.Start(ctx)
//	defer monitor.Stop()
func NewHealthMonitor(registry *NodeRegistry, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		registry: registry,
		clock:    clock.New(),
		logger:   logger.With(zap.String("service", "health-monitor")),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock replaces the wall clock. Call before Start.
func (h *HealthMonitor) SetClock(c clock.Clock) {
	h.clock = c
}

// SetOnInactive sets a callback invoked for every node a sweep marks
// INACTIVE. Call before Start.
//
// Example:
//
//	monitor.SetOnInactive(func(nodeID string) {
//	    logger.Warn("database node silent", zap.String("node", nodeID))
//	})
func (h *HealthMonitor) SetOnInactive(callback func(nodeID string)) {
	h.onInactive = callback
}

// Start sweeps the registry every interval until ctx or Stop cancels it.
// It blocks, so run it in its own goroutine.
//
// Parameters:
//   - ctx: Context for cancellation
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	h.logger.Info("Health monitor started", zap.Duration("interval", h.interval))

	for {
		select {
		case <-ticker.C:
			h.SweepOnce(ctx)
		case <-ctx.Done():
			h.logger.Info("Health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			h.logger.Info("Health monitor stopping")
			return
		}
	}
}

// SweepOnce runs a single registry sweep and fires the inactive callback.
func (h *HealthMonitor) SweepOnce(ctx context.Context) {
	for _, id := range h.registry.Sweep(ctx) {
		if h.onInactive != nil {
			h.onInactive(id)
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}
