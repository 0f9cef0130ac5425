package payment

import (
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/core/money"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var transitions = map[payment.Status][]payment.Status{
	payment.StatusCreated:    {payment.StatusPending, payment.StatusFailed, payment.StatusExpired},
	payment.StatusPending:    {payment.StatusProcessing, payment.StatusSucceeded, payment.StatusFailed, payment.StatusExpired},
	payment.StatusProcessing: {payment.StatusSucceeded, payment.StatusFailed, payment.StatusExpired},
	payment.StatusSucceeded:  {payment.StatusRefunding},
	payment.StatusRefunding:  {payment.StatusRefunded, payment.StatusSucceeded},
}

func CanTransition(from, to payment.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// path returns the statuses to pass through from -> to. A created payment
// reaches a later provider status through pending, and a succeeded payment
// reaches refunded through refunding.
func path(from, to payment.Status) []payment.Status {
	if CanTransition(from, to) {
		return []payment.Status{to}
	}
	if from == payment.StatusCreated && CanTransition(payment.StatusPending, to) {
		return []payment.Status{payment.StatusPending, to}
	}
	if from == payment.StatusSucceeded && to == payment.StatusRefunded {
		return []payment.Status{payment.StatusRefunding, payment.StatusRefunded}
	}
	return nil
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "no_op"
	OutcomeDiscarded Outcome = "discarded"
)

// decideProviderUpdate classifies a provider-reported status against the
// stored payment. It never lets a provider move a payment out of a terminal
// status or interfere with a refund in progress.
func decideProviderUpdate(p *payment.Payment, ns *provider.NormalizedStatus) (Outcome, string) {
	if !ns.Status.Valid() {
		return OutcomeDiscarded, "unknown status"
	}
	if ref := p.ProviderRef(); ref != "" && ns.ProviderReference != "" && ref != ns.ProviderReference {
		return OutcomeDiscarded, "provider reference mismatch"
	}
	if ns.Currency != "" && money.Normalize(ns.Currency) != p.Currency {
		return OutcomeDiscarded, "currency mismatch"
	}
	if !ns.Amount.IsZero() {
		minor, err := money.ToMinor(ns.Amount, p.Currency)
		if err != nil || minor != p.AmountMinor {
			return OutcomeDiscarded, "amount mismatch"
		}
	}
	if ns.Status == p.Status {
		return OutcomeNoop, ""
	}
	if p.Status == payment.StatusRefunding {
		return OutcomeDiscarded, "refund in progress"
	}
	if p.Status.IsTerminal() {
		return OutcomeDiscarded, "payment already terminal"
	}
	if path(p.Status, ns.Status) == nil {
		return OutcomeDiscarded, "out of order transition"
	}
	return OutcomeApplied, ""
}
