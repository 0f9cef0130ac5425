package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// CallObserver receives the outcome of every outbound provider call.
type CallObserver interface {
	ObserveProviderCall(provider, operation string, kind ErrorKind, elapsed time.Duration)
}

// breakerProvider guards the network operations of an adapter. Only
// unreachable errors count as failures; business rejections do not trip it.
type breakerProvider struct {
	Provider
	cb       *gobreaker.CircuitBreaker
	observer CallObserver
}

func WithBreaker(p Provider, s BreakerSettings, observer CallObserver, logger *slog.Logger) Provider {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.GetName(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) != KindUnreachable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &breakerProvider{Provider: p, cb: cb, observer: observer}
}

func (b *breakerProvider) Unwrap() Provider {
	return b.Provider
}

func (b *breakerProvider) call(operation string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = Unreachable(b.GetName(), err)
	}
	if b.observer != nil {
		b.observer.ObserveProviderCall(b.GetName(), operation, KindOf(err), time.Since(start))
	}
	return res, err
}

func (b *breakerProvider) InitializePayment(ctx context.Context, req PaymentRequest, opts InitOptions) (*InitResult, error) {
	res, err := b.call("initialize", func() (interface{}, error) {
		return b.Provider.InitializePayment(ctx, req, opts)
	})
	if err != nil {
		return nil, err
	}
	return res.(*InitResult), nil
}

func (b *breakerProvider) VerifyPayment(ctx context.Context, providerReference string) (*NormalizedStatus, error) {
	res, err := b.call("verify", func() (interface{}, error) {
		return b.Provider.VerifyPayment(ctx, providerReference)
	})
	if err != nil {
		return nil, err
	}
	return res.(*NormalizedStatus), nil
}

func (b *breakerProvider) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	res, err := b.call("refund", func() (interface{}, error) {
		return b.Provider.RefundPayment(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*RefundResult), nil
}

func (b *breakerProvider) LookupPayment(ctx context.Context, merchantReference string) (*NormalizedStatus, error) {
	lookup, ok := b.Provider.(ReferenceLookup)
	if !ok {
		return nil, InvalidRequest(b.GetName(), "lookup by merchant reference is not supported")
	}
	res, err := b.call("lookup", func() (interface{}, error) {
		return lookup.LookupPayment(ctx, merchantReference)
	})
	if err != nil {
		return nil, err
	}
	return res.(*NormalizedStatus), nil
}

func (b *breakerProvider) VerifyRefund(ctx context.Context, q RefundQuery) (*RefundResult, error) {
	lookup, ok := b.Provider.(RefundLookup)
	if !ok {
		return nil, InvalidRequest(b.GetName(), "refund lookup is not supported")
	}
	res, err := b.call("verify_refund", func() (interface{}, error) {
		return lookup.VerifyRefund(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return res.(*RefundResult), nil
}
