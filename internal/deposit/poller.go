package deposit

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/settlement-engine/internal/lease"
	"github.com/atmx/settlement-engine/internal/metrics"
)

const pollLeaseKey = "deposit-poll"

// Poller reconciles open deposit requests on a fixed cadence.
type Poller struct {
	svc      *Service
	interval time.Duration
	lease    lease.Lease
	leaseTTL time.Duration
}

// NewPoller creates a poller. A nil lease means this process always polls.
func NewPoller(svc *Service, interval time.Duration, l lease.Lease, leaseTTL time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if l == nil {
		l = lease.Local{}
	}
	if leaseTTL <= 0 {
		leaseTTL = interval
	}
	return &Poller{svc: svc, interval: interval, lease: l, leaseTTL: leaseTTL}
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("deposit poller started", "interval", p.interval.String())
	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("deposit poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	ok, err := p.lease.TryAcquire(ctx, pollLeaseKey, p.leaseTTL)
	if err != nil {
		slog.Warn("acquire deposit poll lease", "err", err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := p.lease.Release(context.WithoutCancel(ctx), pollLeaseKey); err != nil {
			slog.Warn("release deposit poll lease", "err", err)
		}
	}()

	start := time.Now()
	res, err := p.svc.ReconcileOpen(ctx)
	metrics.SchedulerPassDuration.WithLabelValues("deposit").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("deposit poll failed", "err", err)
		}
		return
	}
	if res.Transitioned > 0 || res.Errors > 0 {
		slog.Info("deposit poll", "checked", res.Checked, "transitioned", res.Transitioned, "errors", res.Errors)
	}
}
