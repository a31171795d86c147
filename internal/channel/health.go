package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/provider"
)

// HealthLoop probes every active channel on a fixed interval and feeds
// the outcomes back into the manager's metrics. A channel that fails a
// probe is parked in the error status; a later successful probe brings
// it back. Channels in maintenance or marked inactive are left alone.
type HealthLoop struct {
	manager  *Manager
	registry *provider.Registry
	interval time.Duration
	timeout  time.Duration
}

// NewHealthLoop wires a loop; interval defaults to 60s and the per-probe
// deadline to 5s when zero.
func NewHealthLoop(manager *Manager, registry *provider.Registry, interval, timeout time.Duration) *HealthLoop {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthLoop{
		manager:  manager,
		registry: registry,
		interval: interval,
		timeout:  timeout,
	}
}

// Run blocks until ctx is cancelled, probing the fleet once per
// interval. Probes within a cycle run concurrently, each under its own
// deadline, so one slow upstream cannot stall the rest.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("health loop stopped")
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HealthLoop) sweep(ctx context.Context) {
	targets := h.manager.probeTargets()
	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			h.probe(ctx, ch)
		}(ch)
	}
	wg.Wait()
}

func (h *HealthLoop) probe(ctx context.Context, ch *Channel) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	latency, err := h.registry.ValidateCredentials(probeCtx, ch.ProviderType, ch.BaseURL, ch.Credentials)
	h.manager.ReportResult(ch.ID, latency, err)

	switch {
	case err != nil && ch.Status == StatusActive:
		slog.Warn("channel probe failed, parking channel",
			"channel_id", ch.ID, "tenant_id", ch.TenantID, "error", err)
		if serr := h.manager.SetStatus(ctx, "", ch.ID, StatusError); serr != nil {
			slog.Error("park channel", "channel_id", ch.ID, "error", serr)
		}
	case err == nil && ch.Status == StatusError:
		slog.Info("channel probe recovered, restoring channel",
			"channel_id", ch.ID, "tenant_id", ch.TenantID, "latency_ms", latency.Milliseconds())
		if serr := h.manager.SetStatus(ctx, "", ch.ID, StatusActive); serr != nil {
			slog.Error("restore channel", "channel_id", ch.ID, "error", serr)
		}
	}
}
