// Package reaper periodically revokes devices that have been inactive for
// longer than the configured threshold.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agora/cmd/internal/auth/device"
	"agora/cmd/internal/observability/metrics"
)

// Devices is the part of the device registry the reaper drives.
type Devices interface {
	IdleSince(ctx context.Context, threshold time.Duration) ([]string, error)
	RevokeIfInactive(ctx context.Context, id string, threshold time.Duration) (bool, []device.RevokeOutcome, error)
}

type Reaper struct {
	devices   Devices
	threshold time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(devices Devices, threshold time.Duration, log *slog.Logger, m *metrics.Metrics) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{devices: devices, threshold: threshold, log: log, metrics: m}
}

// RunOnce revokes every device that is inactive right now and returns their ids.
// A failure on one device is logged and does not stop the sweep.
func (r *Reaper) RunOnce(ctx context.Context) ([]string, error) {
	start := time.Now()
	ids, err := r.devices.IdleSince(ctx, r.threshold)
	if err != nil {
		r.metrics.ReaperRun("error", 0)
		return nil, err
	}

	var (
		revoked  []string
		sessions int
		errs     []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, outcomes, err := r.devices.RevokeIfInactive(ctx, id, r.threshold)
		if err != nil {
			r.log.Warn("reaper.revoke.failed", "device_id", id, "err", err)
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		revoked = append(revoked, id)
		sessions += len(outcomes)
	}

	result := "ok"
	if len(errs) > 0 {
		result = "partial"
	}
	r.metrics.ReaperRun(result, len(revoked))
	r.log.Info("reaper.run.done",
		"candidates", len(ids),
		"devices_revoked", len(revoked),
		"sessions_revoked", sessions,
		"errors", len(errs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return revoked, errors.Join(errs...)
}

// Start runs a sweep immediately and then every interval until ctx is
// cancelled or Stop is called. Calling Start on a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, interval, r.done)
}

func (r *Reaper) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer func() {
		// A cancelled parent ends the loop without Stop; forget it so Start works again.
		r.mu.Lock()
		if r.done == done {
			r.cancel()
			r.cancel, r.done = nil, nil
		}
		r.mu.Unlock()
		close(done)
	}()

	sweep := func() {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reaper.run.failed", "err", err)
		}
	}
	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
