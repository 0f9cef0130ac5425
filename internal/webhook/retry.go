package webhook

import (
	"context"
	"log/slog"
	"time"
)

// Backoff returns min(base * 2^(attempts-1), maxDelay).
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

type SweepStats struct {
	Due     int
	Applied int
	Skipped int
	Failed  int
}

// Sweeper re-applies pending webhook records whose next attempt is due.
type Sweeper struct {
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	Interval   time.Duration
	BatchSize  int
	Now        func() time.Time
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info("webhook retry sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("webhook retry sweeper stopped")
			return
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				s.Logger.Error("webhook retry sweep failed", "error", err)
				continue
			}
			if stats.Due > 0 {
				s.Logger.Info("webhook retry sweep finished",
					"due", stats.Due,
					"applied", stats.Applied,
					"skipped", stats.Skipped,
					"failed", stats.Failed)
			}
		}
	}
}

// SweepOnce processes one batch, oldest first. A record waits while an older
// record for the same provider reference is still pending.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 50
	}

	d := s.Dispatcher
	due, err := d.store.Due(ctx, now, batch)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)

	for _, rec := range due {
		older, err := d.store.HasOlderPending(ctx, rec)
		if err != nil {
			return stats, err
		}
		if older {
			stats.Skipped++
			continue
		}

		ns, err := decodeStatus(rec.Payload)
		if err != nil {
			s.Logger.Error("dropping undecodable webhook record", "record_id", rec.ID, "error", err)
			if err := d.store.MarkFailed(ctx, rec.ID, err.Error(), time.Time{}); err != nil {
				s.Logger.Error("failed to mark webhook record dead", "record_id", rec.ID, "error", err)
			}
			stats.Failed++
			continue
		}

		job := Job{Record: rec, Key: keyOf(rec), Status: ns}
		if err := d.Process(ctx, job); err != nil {
			stats.Failed++
			continue
		}
		stats.Applied++
	}
	return stats, nil
}
