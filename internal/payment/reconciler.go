package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/events"
)

type SweepObserver interface {
	ObserveReconcile(checked, changed, expired, failed int)
}

type SweepStats struct {
	Checked int
	Changed int
	Expired int
	Failed  int
	// Refunds counts pending refunds re-queried; RefundsSettled those that left pending.
	Refunds        int
	RefundsSettled int
}

// Reconciler verifies payments whose webhook is late or missing and expires
// the ones the provider never completed. It also settles refunds left pending
// and releases payments stuck in refunding.
type Reconciler struct {
	Service    *Service
	Repository RepositoryAPI
	Logger     *slog.Logger
	// GracePeriod is how long a payment may sit idle before it is verified.
	GracePeriod time.Duration
	// ExpireAfter is the age after which an unfinished payment is expired.
	ExpireAfter time.Duration
	Interval    time.Duration
	BatchSize   int
	Now         func() time.Time
	Observer    SweepObserver
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Logger.Info("reconciler started", "interval", interval, "grace_period", r.GracePeriod, "expire_after", r.ExpireAfter)
	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			stats, err := r.SweepOnce(ctx)
			if err != nil {
				r.Logger.Warn("reconciliation sweep failed", "error", err)
				continue
			}
			if r.Observer != nil {
				r.Observer.ObserveReconcile(stats.Checked, stats.Changed, stats.Expired, stats.Failed)
			}
			if stats.Checked > 0 || stats.Refunds > 0 {
				r.Logger.Info("reconciliation sweep finished",
					"checked", stats.Checked,
					"changed", stats.Changed,
					"expired", stats.Expired,
					"failed", stats.Failed,
					"refunds", stats.Refunds,
					"refunds_settled", stats.RefundsSettled)
			}
		}
	}
}

func (r *Reconciler) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	batch := r.BatchSize
	if batch <= 0 {
		batch = 50
	}
	now := r.now()

	stale, err := r.Repository.ListStale(ctx,
		[]payment.Status{payment.StatusCreated, payment.StatusPending, payment.StatusProcessing},
		now.Add(-r.GracePeriod), batch)
	if err != nil {
		return stats, err
	}

	for _, p := range stale {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		overdue := r.ExpireAfter > 0 && now.Sub(p.CreatedAt) >= r.ExpireAfter

		if p.Status == payment.StatusCreated {
			if overdue {
				r.expire(ctx, p, &stats)
			}
			continue
		}

		updated, err := r.Service.verify(ctx, p, events.SourceReconcile)
		if err != nil {
			stats.Failed++
			r.Logger.Warn("reconciliation verify failed",
				"payment_id", p.ID,
				"provider", p.Provider,
				"error", err)
			// an init that never reached the provider is unknown to it
			if overdue && p.ProviderReference == nil && providerDoesNotKnow(err) {
				r.expire(ctx, p, &stats)
			}
			continue
		}

		if updated.Status != p.Status {
			stats.Changed++
			continue
		}
		if overdue {
			r.expire(ctx, updated, &stats)
			continue
		}
		if err := r.Repository.Touch(ctx, p.ID); err != nil {
			r.Logger.Warn("failed to touch payment", "payment_id", p.ID, "error", err)
		}
	}

	if err := r.resumeRefunding(ctx, now, batch, &stats); err != nil {
		return stats, err
	}
	if err := r.settleRefunds(ctx, now, batch, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// resumeRefunding releases payments left in refunding by a request that never finalized.
func (r *Reconciler) resumeRefunding(ctx context.Context, now time.Time, batch int, stats *SweepStats) error {
	stuck, err := r.Repository.ListStale(ctx, []payment.Status{payment.StatusRefunding}, now.Add(-r.GracePeriod), batch)
	if err != nil {
		return err
	}
	for _, p := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Checked++
		updated, err := r.Service.ResumeRefunding(ctx, p.ID, events.SourceReconcile)
		if err != nil {
			stats.Failed++
			r.Logger.Warn("failed to resume refunding payment", "payment_id", p.ID, "error", err)
			continue
		}
		if updated.Status != p.Status {
			stats.Changed++
		}
	}
	return nil
}

func (r *Reconciler) settleRefunds(ctx context.Context, now time.Time, batch int, stats *SweepStats) error {
	pending, err := r.Repository.ListPendingRefunds(ctx, now.Add(-r.GracePeriod), batch)
	if err != nil {
		return err
	}
	for _, refund := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Refunds++
		settled, err := r.Service.ReconcileRefund(ctx, refund, events.SourceReconcile)
		if errors.Is(err, ErrRefundLookupUnsupported) {
			if err := r.Repository.TouchRefund(ctx, refund.ID); err != nil {
				r.Logger.Warn("failed to touch refund", "refund_id", refund.ID, "error", err)
			}
			continue
		}
		if err != nil {
			stats.Failed++
			r.Logger.Warn("refund reconciliation failed",
				"payment_id", refund.PaymentID,
				"refund_id", refund.ID,
				"error", err)
			continue
		}
		if settled.Status != payment.RefundStatusPending {
			stats.RefundsSettled++
		}
	}
	return nil
}

func (r *Reconciler) expire(ctx context.Context, p *payment.Payment, stats *SweepStats) {
	if _, err := r.Service.ExpirePayment(ctx, p.ID, events.SourceReconcile); err != nil {
		stats.Failed++
		r.Logger.Warn("failed to expire payment", "payment_id", p.ID, "error", err)
		return
	}
	stats.Expired++
}

func providerDoesNotKnow(err error) bool {
	return apperrors.CodeOf(err) == apperrors.ErrCodeInvalidRequest
}
