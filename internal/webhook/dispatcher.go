// Package webhook receives provider notifications, deduplicates them through
// the idempotency store and applies them to payments.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	idem "github.com/aliuwahab/kitua-sub001/internal/idempotency"
	paymentpkg "github.com/aliuwahab/kitua-sub001/internal/payment"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeDiscarded = "discarded"
	OutcomeDeferred  = "deferred"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeDead      = "dead"
)

type Ack struct {
	Provider          string `json:"provider"`
	ProviderReference string `json:"provider_reference"`
	Status            string `json:"status"`
	Duplicate         bool   `json:"duplicate"`
	Deferred          bool   `json:"deferred"`
}

type Registry interface {
	Get(name string) (provider.Provider, error)
	All() []provider.Provider
}

// Applier performs the payment transition. within runs inside the same
// transaction so the claim is settled atomically with the status change.
type Applier interface {
	ApplyProviderStatus(ctx context.Context, providerName string, ns *provider.NormalizedStatus, within func(ctx context.Context, res paymentpkg.ApplyResult) error) (paymentpkg.ApplyResult, error)
}

type Observer interface {
	ObserveWebhook(provider, outcome string)
}

// marker is implemented by stores with a post-commit cache.
type marker interface {
	Remember(ctx context.Context, key idem.Key, state idempotency.State)
}

// Config tunes retries. Whether deliveries run inline or on a worker pool is
// decided by UsePool.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Lease keeps the retry sweeper off a record that is being processed live.
	Lease time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	return c
}

type Dispatcher struct {
	registry Registry
	store    idem.Store
	applier  Applier
	pool     *Pool
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

func NewDispatcher(registry Registry, store idem.Store, applier Applier, cfg Config, logger *slog.Logger, observer Observer) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    store,
		applier:  applier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UsePool switches the dispatcher to acknowledge first and apply on the pool.
func (d *Dispatcher) UsePool(pool *Pool) {
	d.pool = pool
}

// Receive validates a delivery and applies it at most once. A nil error means
// the delivery was authentic and the provider can stop retrying.
func (d *Dispatcher) Receive(ctx context.Context, payload []byte, headers http.Header, routeHint string) (*Ack, error) {
	p, ns, err := d.identify(payload, headers, routeHint)
	if err != nil {
		d.observe(routeHint, OutcomeRejected)
		return nil, paymentpkg.NormalizeError(err)
	}
	name := p.GetName()
	ns.Provider = name
	if ns.ProviderReference == "" {
		ns.ProviderReference = ns.MerchantReference
	}
	if ns.ProviderReference == "" {
		d.observe(name, OutcomeRejected)
		return nil, paymentpkg.NormalizeError(provider.MalformedPayload(name, errors.New("webhook carries no reference")))
	}

	ack := &Ack{Provider: name, ProviderReference: ns.ProviderReference, Status: string(ns.Status)}
	key := idem.KeyFor(ns)
	body, err := encodeStatus(ns)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode webhook", err)
	}

	result, rec, err := d.store.TryClaim(ctx, key, body, d.now().Add(d.cfg.Lease))
	if err != nil {
		d.logger.Error("failed to claim webhook", "provider", name, "provider_reference", ns.ProviderReference, "error", err)
		return nil, apperrors.NewExternalError("Webhook could not be recorded", apperrors.ErrCodeProviderUnreachable, http.StatusServiceUnavailable, true)
	}
	if result == idem.AlreadyClaimed {
		d.logger.Info("duplicate webhook ignored",
			"provider", name,
			"provider_reference", ns.ProviderReference,
			"status", ns.Status,
			"state", rec.State)
		d.observe(name, OutcomeDuplicate)
		ack.Duplicate = true
		return ack, nil
	}

	if d.pool != nil {
		job := Job{Record: rec, Key: key, Status: ns}
		if !d.pool.Submit(job) {
			d.logger.Warn("webhook queue full, leaving for retry", "provider", name, "provider_reference", ns.ProviderReference)
		}
		d.observe(name, OutcomeDeferred)
		ack.Deferred = true
		return ack, nil
	}

	if err := d.Process(ctx, Job{Record: rec, Key: key, Status: ns}); err != nil {
		// already acknowledged to the provider, the sweeper owns it now
		ack.Deferred = true
	}
	return ack, nil
}

// identify finds the adapter that authenticates the payload.
func (d *Dispatcher) identify(payload []byte, headers http.Header, routeHint string) (provider.Provider, *provider.NormalizedStatus, error) {
	if routeHint != "" {
		p, err := d.registry.Get(routeHint)
		if err != nil {
			return nil, nil, err
		}
		ns, err := p.HandleWebhook(payload, headers)
		return p, ns, err
	}

	all := d.registry.All()
	for _, p := range all {
		header := provider.WebhookHeaderOf(p)
		if header != "" && headers.Get(header) != "" {
			ns, err := p.HandleWebhook(payload, headers)
			return p, ns, err
		}
	}

	for _, p := range all {
		ns, err := p.HandleWebhook(payload, headers)
		if err == nil {
			return p, ns, nil
		}
		if provider.IsKind(err, provider.KindInvalidSignature) {
			continue
		}
		return p, nil, err
	}
	return nil, nil, provider.InvalidSignature("", "no provider verified the webhook")
}

// Process applies a claimed status and settles its record. Failures are
// scheduled for retry and returned.
func (d *Dispatcher) Process(ctx context.Context, job Job) error {
	name := job.Status.Provider
	log := d.logger.With("provider", name, "provider_reference", job.Status.ProviderReference, "record_id", job.Record.ID)

	var state idempotency.State
	res, err := d.applier.ApplyProviderStatus(ctx, name, job.Status, func(ctx context.Context, res paymentpkg.ApplyResult) error {
		state = idempotency.StateApplied
		if res.Outcome == paymentpkg.OutcomeDiscarded {
			state = idempotency.StateDiscarded
		}
		return d.store.Settle(ctx, job.Record.ID, state, string(res.To))
	})
	if errors.Is(err, idem.ErrNotPending) {
		log.Debug("webhook settled elsewhere")
		d.observe(name, OutcomeDuplicate)
		return nil
	}
	if err != nil {
		d.fail(ctx, job, err, log)
		return err
	}

	if m, ok := d.store.(marker); ok {
		m.Remember(ctx, job.Key, state)
	}
	if state == idempotency.StateDiscarded {
		d.observe(name, OutcomeDiscarded)
		return nil
	}
	log.Info("webhook applied", "payment_id", res.Payment.ID, "old_status", res.From, "new_status", res.To, "outcome", res.Outcome)
	d.observe(name, OutcomeApplied)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, job Job, cause error, log *slog.Logger) {
	attempts := job.Record.Attempts + 1
	var retryAt time.Time
	if attempts < d.cfg.MaxAttempts {
		retryAt = d.now().Add(Backoff(attempts, d.cfg.BaseDelay, d.cfg.MaxDelay))
	}

	err := d.store.MarkFailed(ctx, job.Record.ID, cause.Error(), retryAt)
	if err != nil && !errors.Is(err, idem.ErrNotPending) {
		log.Error("failed to record webhook failure", "error", err, "cause", cause)
		return
	}
	if retryAt.IsZero() {
		log.Error("webhook abandoned after retries", "attempts", attempts, "error", cause)
		d.observe(job.Status.Provider, OutcomeDead)
		return
	}
	log.Warn("webhook apply failed, scheduled retry", "attempts", attempts, "retry_at", retryAt, "error", cause)
	d.observe(job.Status.Provider, OutcomeFailed)
}

func (d *Dispatcher) observe(name, outcome string) {
	if d.observer == nil {
		return
	}
	if name == "" {
		name = "unknown"
	}
	d.observer.ObserveWebhook(strings.ToLower(name), outcome)
}

func encodeStatus(ns *provider.NormalizedStatus) ([]byte, error) {
	body, err := json.Marshal(ns)
	if err == nil {
		return body, nil
	}
	// raw payloads that are not JSON are dropped from the stored copy
	stripped := *ns
	stripped.Raw = nil
	body, err = json.Marshal(&stripped)
	if err != nil {
		return nil, fmt.Errorf("encode normalized status: %w", err)
	}
	return body, nil
}

func decodeStatus(body []byte) (*provider.NormalizedStatus, error) {
	var ns provider.NormalizedStatus
	if err := json.Unmarshal(body, &ns); err != nil {
		return nil, fmt.Errorf("decode normalized status: %w", err)
	}
	return &ns, nil
}

func keyOf(rec *idempotency.Record) idem.Key {
	return idem.Key{
		Provider:          rec.Provider,
		ProviderReference: rec.ProviderReference,
		Fingerprint:       rec.Fingerprint,
	}
}
