package cmd

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
	"github.com/aliuwahab/kitua-sub001/internal/provider/cardpay"
	"github.com/aliuwahab/kitua-sub001/internal/provider/momo"
)

// factories maps a configured driver to its adapter constructor.
var factories = map[string]provider.Factory{
	momo.Driver:    momo.Factory,
	cardpay.Driver: cardpay.Factory,
}

func providerDefinitions(cfgs []internal.ProviderConfig) ([]provider.Definition, error) {
	defs := make([]provider.Definition, 0, len(cfgs))
	for _, c := range cfgs {
		fees, err := feeSchedule(c.Fees)
		if err != nil {
			return nil, fmt.Errorf("provider %q fees: %w", c.Name, err)
		}
		defs = append(defs, provider.Definition{
			Name:          c.Name,
			Driver:        strings.ToLower(c.Driver),
			Priority:      c.Priority,
			BaseURL:       c.BaseURL,
			APIKey:        c.APIKey,
			APISecret:     c.APISecret,
			WebhookSecret: c.WebhookSecret,
			Timeout:       c.Timeout,
			Currencies:    c.Currencies,
			Methods:       c.Methods,
			Fees:          fees,
			Breaker: provider.BreakerSettings{
				MaxRequests:      c.Breaker.MaxRequests,
				Interval:         c.Breaker.Interval,
				Timeout:          c.Breaker.Timeout,
				FailureThreshold: c.Breaker.FailureThreshold,
			},
		})
	}
	return defs, nil
}

func feeSchedule(c internal.FeeConfig) (provider.FeeSchedule, error) {
	def, err := feeRule(c)
	if err != nil {
		return provider.FeeSchedule{}, err
	}
	schedule := provider.FeeSchedule{Default: def}
	if len(c.Methods) > 0 {
		schedule.Methods = make(map[string]provider.FeeRule, len(c.Methods))
		for method, mc := range c.Methods {
			rule, err := feeRule(mc)
			if err != nil {
				return provider.FeeSchedule{}, fmt.Errorf("method %s: %w", method, err)
			}
			schedule.Methods[strings.ToLower(method)] = rule
		}
	}
	return schedule, nil
}

func feeRule(c internal.FeeConfig) (provider.FeeRule, error) {
	var (
		rule provider.FeeRule
		err  error
	)
	if rule.Percentage, err = parseDecimal(c.Percentage); err != nil {
		return rule, fmt.Errorf("percentage: %w", err)
	}
	if rule.Fixed, err = parseDecimal(c.Fixed); err != nil {
		return rule, fmt.Errorf("fixed: %w", err)
	}
	if rule.Cap, err = parseDecimal(c.Cap); err != nil {
		return rule, fmt.Errorf("cap: %w", err)
	}
	return rule, nil
}

func parseDecimal(v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return d, nil
}
