package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aliuwahab/kitua-sub001/internal/core/money"
)

// Definition is one configured provider, already parsed from configuration.
type Definition struct {
	Name          string
	Driver        string
	Priority      int
	BaseURL       string
	APIKey        string
	APISecret     string
	WebhookSecret string
	Timeout       time.Duration
	Currencies    []string
	Methods       []string
	Fees          FeeSchedule
	Breaker       BreakerSettings
}

func (d Definition) Capability() Capability {
	return NewCapability(d.Name, d.Currencies, d.Methods, d.Fees)
}

// Deps are the shared collaborators handed to every adapter factory.
type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Observer   CallObserver
}

// Factory builds an adapter for one driver.
type Factory func(def Definition, deps Deps) (Provider, error)

// Registry is built once at startup and only read afterwards, so it needs no locking.
type Registry struct {
	ordered []Provider
	byName  map[string]Provider
}

// NewRegistry keeps providers in the given order. Names must be unique ignoring case.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		ordered: make([]Provider, 0, len(providers)),
		byName:  make(map[string]Provider, len(providers)),
	}
	for _, p := range providers {
		key := strings.ToLower(p.GetName())
		if key == "" {
			return nil, fmt.Errorf("provider name is required")
		}
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.GetName())
		}
		r.byName[key] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// Build constructs every adapter through its driver factory, ordered by
// ascending priority with ties kept in configuration order, and wraps each
// one in a circuit breaker.
func Build(defs []Definition, factories map[string]Factory, deps Deps) (*Registry, error) {
	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	providers := make([]Provider, 0, len(sorted))
	for _, def := range sorted {
		factory, ok := factories[strings.ToLower(def.Driver)]
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown driver %q", def.Name, def.Driver)
		}
		p, err := factory(def, deps)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", def.Name, err)
		}
		providers = append(providers, WithBreaker(p, def.Breaker, deps.Observer, deps.Logger))
		deps.Logger.Info("payment provider registered",
			"provider", def.Name,
			"driver", def.Driver,
			"priority", def.Priority,
			"currencies", p.GetSupportedCurrencies(),
			"methods", p.GetSupportedPaymentMethods())
	}
	return NewRegistry(providers...)
}

// Resolve returns the first provider, in priority order, supporting both currency and method.
func (r *Registry) Resolve(currency, method string) (Provider, error) {
	for _, p := range r.ordered {
		if p.SupportsCurrency(currency) && p.SupportsPaymentMethod(method) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNoProviderSupportsCombination, money.Normalize(currency), strings.ToLower(method))
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// All returns the providers in priority order.
func (r *Registry) All() []Provider {
	out := make([]Provider, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, p := range r.ordered {
		names[i] = p.GetName()
	}
	return names
}
