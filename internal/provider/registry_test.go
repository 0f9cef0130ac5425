package provider_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var _ = Describe("Registry", func() {
	var (
		momo     *stubProvider
		cardpay  *stubProvider
		registry *provider.Registry
	)

	BeforeEach(func() {
		momo = newStub("momo", []string{"GHS", "UGX"}, []string{provider.MethodMobileMoney})
		cardpay = newStub("cardpay", []string{"GHS", "USD"}, []string{provider.MethodCard, provider.MethodBankTransfer, provider.MethodMobileMoney})

		var err error
		registry, err = provider.NewRegistry(momo, cardpay)
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("Resolve", func() {
		It("returns an adapter for every pair it declares", func() {
			for _, p := range []*stubProvider{momo, cardpay} {
				for _, cur := range p.GetSupportedCurrencies() {
					for _, m := range p.GetSupportedPaymentMethods() {
						got, err := registry.Resolve(cur, m)
						Expect(err).ToNot(HaveOccurred())
						Expect(got.SupportsCurrency(cur)).To(BeTrue())
						Expect(got.SupportsPaymentMethod(m)).To(BeTrue())
					}
				}
			}
		})

		It("prefers the first provider in priority order", func() {
			got, err := registry.Resolve("ghs", "mobile_money")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.GetName()).To(Equal("momo"))
		})

		It("fails for unsupported combinations", func() {
			_, err := registry.Resolve("UGX", provider.MethodCard)
			Expect(errors.Is(err, provider.ErrNoProviderSupportsCombination)).To(BeTrue())

			_, err = registry.Resolve("EUR", provider.MethodMobileMoney)
			Expect(errors.Is(err, provider.ErrNoProviderSupportsCombination)).To(BeTrue())
		})
	})

	Describe("Get", func() {
		It("matches names case-insensitively", func() {
			got, err := registry.Get("MoMo")
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(BeIdenticalTo(momo))
		})

		It("fails for unknown names", func() {
			_, err := registry.Get("paystack")
			Expect(errors.Is(err, provider.ErrUnknownProvider)).To(BeTrue())
		})
	})

	It("rejects duplicate names", func() {
		_, err := provider.NewRegistry(momo, newStub("MOMO", []string{"GHS"}, []string{"card"}))
		Expect(err).To(HaveOccurred())
	})

	Describe("Build", func() {
		It("orders adapters by priority and wraps them", func() {
			factories := map[string]provider.Factory{
				"stub": func(def provider.Definition, deps provider.Deps) (provider.Provider, error) {
					return newStub(def.Name, def.Currencies, def.Methods), nil
				},
			}
			defs := []provider.Definition{
				{Name: "second", Driver: "stub", Priority: 20, Currencies: []string{"GHS"}, Methods: []string{"card"}},
				{Name: "first", Driver: "stub", Priority: 10, Currencies: []string{"GHS"}, Methods: []string{"card"}},
			}

			built, err := provider.Build(defs, factories, provider.Deps{})
			Expect(err).ToNot(HaveOccurred())
			Expect(built.Names()).To(Equal([]string{"first", "second"}))

			got, err := built.Resolve("GHS", "card")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.GetName()).To(Equal("first"))

			_, supportsLookup := provider.AsLookup(got)
			Expect(supportsLookup).To(BeFalse())
		})

		It("fails on unknown drivers", func() {
			_, err := provider.Build([]provider.Definition{{Name: "x", Driver: "nope"}}, map[string]provider.Factory{}, provider.Deps{})
			Expect(err).To(MatchError(ContainSubstring("unknown driver")))
		})
	})
})
