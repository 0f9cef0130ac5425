package provider

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aliuwahab/kitua-sub001/internal/core/money"
)

var hundred = decimal.NewFromInt(100)

// FeeRule charges Percentage percent of the amount plus Fixed. A positive Cap
// bounds the total fee.
type FeeRule struct {
	Percentage decimal.Decimal
	Fixed      decimal.Decimal
	Cap        decimal.Decimal
}

type FeeSchedule struct {
	Default FeeRule
	Methods map[string]FeeRule
}

func (s FeeSchedule) rule(method string) FeeRule {
	if r, ok := s.Methods[strings.ToLower(method)]; ok {
		return r
	}
	return s.Default
}

// Calculate applies the schedule. Each component is rounded half up to the
// currency's minor unit before summing.
func (s FeeSchedule) Calculate(amount decimal.Decimal, currency, method string) FeeBreakdown {
	r := s.rule(method)
	currency = money.Normalize(currency)

	pct := money.Round(amount.Mul(r.Percentage).Div(hundred), currency)
	fixed := money.Round(r.Fixed, currency)
	fee := pct.Add(fixed)

	capped := false
	if r.Cap.IsPositive() && fee.GreaterThan(r.Cap) {
		fee = money.Round(r.Cap, currency)
		capped = true
	}

	return FeeBreakdown{
		Amount:        amount,
		Currency:      currency,
		Method:        strings.ToLower(method),
		PercentageFee: pct,
		FixedFee:      fixed,
		Fee:           fee,
		Net:           amount.Sub(fee),
		Capped:        capped,
	}
}

// Capability is the static descriptor of an adapter. Adapters embed it to get
// the metadata half of the Provider contract.
type Capability struct {
	name       string
	currencies map[string]struct{}
	methods    map[string]struct{}
	fees       FeeSchedule
}

func NewCapability(name string, currencies, methods []string, fees FeeSchedule) Capability {
	c := Capability{
		name:       name,
		currencies: make(map[string]struct{}, len(currencies)),
		methods:    make(map[string]struct{}, len(methods)),
		fees:       fees,
	}
	for _, cur := range currencies {
		c.currencies[money.Normalize(cur)] = struct{}{}
	}
	for _, m := range methods {
		c.methods[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return c
}

func (c Capability) GetName() string {
	return c.name
}

func (c Capability) GetSupportedCurrencies() []string {
	return sortedKeys(c.currencies)
}

func (c Capability) GetSupportedPaymentMethods() []string {
	return sortedKeys(c.methods)
}

func (c Capability) SupportsCurrency(currency string) bool {
	_, ok := c.currencies[money.Normalize(currency)]
	return ok
}

func (c Capability) SupportsPaymentMethod(method string) bool {
	_, ok := c.methods[strings.ToLower(strings.TrimSpace(method))]
	return ok
}

func (c Capability) CalculateFees(amount decimal.Decimal, currency, method string) FeeBreakdown {
	return c.fees.Calculate(amount, currency, method)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckRefundable rejects refunds the adapter must not forward.
func CheckRefundable(provider string, req RefundRequest) error {
	if !req.Amount.IsPositive() {
		return InvalidRequest(provider, "refund amount must be greater than zero")
	}
	if req.Amount.GreaterThan(req.Remaining) {
		return InvalidRequest(provider, "refund amount exceeds the refundable remainder")
	}
	if req.ProviderReference == "" {
		return InvalidRequest(provider, "payment has no provider reference")
	}
	return nil
}
