// Package payment is the provider manager: it owns the payment status state
// machine and is the only writer of payment status.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/events"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned by CompareAndSwapStatus when the stored
	// status no longer matches the expected one.
	ErrStatusConflict = errors.New("payment status changed concurrently")
)

// Changes are applied together with a status swap. Nil fields are left untouched.
type Changes struct {
	ProviderReference *string
	Metadata          datatypes.JSON
	FailureReason     *string
}

type RefundTotals struct {
	SucceededMinor int64
	PendingMinor   int64
}

type RepositoryAPI interface {
	Create(ctx context.Context, p *payment.Payment) error
	Load(ctx context.Context, id int64) (*payment.Payment, error)
	GetByReference(ctx context.Context, reference string) (*payment.Payment, error)
	GetByProviderReference(ctx context.Context, providerName, providerReference string) (*payment.Payment, error)
	// CompareAndSwapStatus moves a payment from expected to next in one
	// conditional update. A provider reference is only written when none is set.
	CompareAndSwapStatus(ctx context.Context, id int64, expected, next payment.Status, changes Changes) error
	// ListStale returns payments in one of statuses not updated since idleSince, oldest first.
	ListStale(ctx context.Context, statuses []payment.Status, idleSince time.Time, limit int) ([]*payment.Payment, error)
	Touch(ctx context.Context, id int64) error

	CreateRefund(ctx context.Context, r *payment.Refund) error
	UpdateRefund(ctx context.Context, r *payment.Refund) error
	RefundTotals(ctx context.Context, paymentID int64) (RefundTotals, error)
	ListRefunds(ctx context.Context, paymentID int64) ([]*payment.Refund, error)
	// ListPendingRefunds returns pending refunds not updated since idleSince, oldest first.
	ListPendingRefunds(ctx context.Context, idleSince time.Time, limit int) ([]*payment.Refund, error)
	TouchRefund(ctx context.Context, id int64) error
}

type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventRecorder stores events in the caller's transaction.
type EventRecorder interface {
	Append(ctx context.Context, paymentID int64, event events.Event) error
}

type Registry interface {
	Resolve(currency, method string) (provider.Provider, error)
	Get(name string) (provider.Provider, error)
	All() []provider.Provider
}

type TransitionObserver interface {
	ObserveTransition(providerName string, from, to payment.Status, source string)
	ObserveDiscarded(providerName, reason string)
}

type ServiceAPI interface {
	InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	VerifyPayment(ctx context.Context, id int64) (*payment.Payment, error)
	RefundPayment(ctx context.Context, id int64, req RefundInput) (*RefundOutcome, error)
	CalculateFees(ctx context.Context, q FeeQuery) (*FeeQuote, error)
	GetPayment(ctx context.Context, id int64) (*payment.Payment, []*payment.Refund, error)
	Providers() []ProviderInfo
}

type InitializeRequest struct {
	// Reference is the merchant reference. One is generated when empty.
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Method    string
	// Provider pins the payment to a named provider instead of routing.
	Provider    string
	Customer    provider.Customer
	Description string
	Metadata    map[string]string
	Options     provider.InitOptions
}

type InitializeResult struct {
	Payment    *payment.Payment    `json:"payment"`
	NextAction provider.NextAction `json:"next_action"`
}

// RefundInput with a nil Amount refunds the whole remainder.
type RefundInput struct {
	Reference string
	Amount    *decimal.Decimal
	Reason    *string
}

type RefundOutcome struct {
	Payment *payment.Payment `json:"payment"`
	Refund  *payment.Refund  `json:"refund"`
}

type FeeQuery struct {
	Amount   decimal.Decimal
	Currency string
	Method   string
	Provider string
}

type FeeQuote struct {
	Provider string `json:"provider"`
	provider.FeeBreakdown
}

type ProviderInfo struct {
	Name       string   `json:"name"`
	Currencies []string `json:"currencies"`
	Methods    []string `json:"methods"`
}

// ApplyResult describes what happened to a normalized status.
type ApplyResult struct {
	Outcome Outcome
	Reason  string
	Payment *payment.Payment
	From    payment.Status
	To      payment.Status
}
