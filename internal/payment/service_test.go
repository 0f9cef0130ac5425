package payment_test

import (
	"context"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/aliuwahab/kitua-sub001/internal"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	paymentpkg "github.com/aliuwahab/kitua-sub001/internal/payment"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var _ = Describe("Service", func() {
	var (
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		env = newTestEnv()
		ctx = context.Background()
	})

	initialize := func() *payment.Payment {
		res, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
			Amount:   ghs("100.00"),
			Currency: "GHS",
			Method:   provider.MethodMobileMoney,
			Customer: provider.Customer{Phone: "0240000000"},
		})
		Expect(err).ToNot(HaveOccurred())
		return res.Payment
	}

	Describe("InitializePayment", func() {
		It("routes to the supporting provider and records the pending payment", func() {
			// When
			res, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount:   ghs("100.00"),
				Currency: "ghs",
				Method:   "MOBILE_MONEY",
			})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Payment.Provider).To(Equal("momo"))
			Expect(res.Payment.Status).To(Equal(payment.StatusPending))
			Expect(res.Payment.ProviderRef()).To(Equal("PR-123"))
			Expect(res.Payment.AmountMinor).To(Equal(int64(10000)))
			Expect(res.NextAction.Type).To(Equal(provider.NextActionUSSDPrompt))

			stored := env.reload(res.Payment.ID)
			Expect(stored.Status).To(Equal(payment.StatusPending))
			Expect(stored.ProviderRef()).To(Equal("PR-123"))
			Expect(env.eventCount()).To(Equal(int64(1)))
		})

		It("honours an explicit provider", func() {
			res, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount: ghs("5"), Currency: "GHS", Method: provider.MethodCard, Provider: "CardPay",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Payment.Provider).To(Equal("cardpay"))
			Expect(env.card.initCalls).To(Equal(1))
		})

		It("fails routing without creating a payment", func() {
			_, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount: ghs("10"), Currency: "USD", Method: provider.MethodMobileMoney,
			})

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeNoProviderSupportsCombination))
			var count int64
			env.db.Model(&payment.Payment{}).Count(&count)
			Expect(count).To(BeZero())
		})

		It("rejects an unknown explicit provider", func() {
			_, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount: ghs("10"), Currency: "GHS", Method: provider.MethodMobileMoney, Provider: "paypal",
			})
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeUnknownProvider))
		})

		It("rejects amounts finer than the minor unit", func() {
			_, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount: ghs("10.005"), Currency: "GHS", Method: provider.MethodMobileMoney,
			})
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidRequest))
			Expect(env.momo.initCalls).To(BeZero())
		})

		It("rejects amounts whose minor units overflow int64", func() {
			_, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount: ghs("100000000000000000000"), Currency: "GHS", Method: provider.MethodMobileMoney,
			})

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidRequest))
			Expect(env.momo.initCalls).To(BeZero())
			var count int64
			env.db.Model(&payment.Payment{}).Count(&count)
			Expect(count).To(BeZero())
		})

		It("fails the payment when the provider rejects it", func() {
			// Given
			env.momo.initErr = provider.Rejected("momo", "payer not registered")

			// When
			_, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount: ghs("100"), Currency: "GHS", Method: provider.MethodMobileMoney, Reference: "ord-1",
			})

			// Then
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeProviderRejected))
			Expect(appErr.Retryable).To(BeFalse())

			stored, err := env.repo.GetByReference(ctx, "ord-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(payment.StatusFailed))
			Expect(*stored.FailureReason).To(Equal("payer not registered"))
		})

		It("keeps the payment pending when the provider is unreachable", func() {
			env.momo.initErr = provider.Unreachable("momo", context.DeadlineExceeded)

			_, err := env.service.InitializePayment(ctx, paymentpkg.InitializeRequest{
				Amount: ghs("100"), Currency: "GHS", Method: provider.MethodMobileMoney, Reference: "ord-2",
			})

			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeProviderUnreachable))
			Expect(appErr.Retryable).To(BeTrue())
			Expect(appErr.StatusCode).To(Equal(http.StatusServiceUnavailable))

			stored, _ := env.repo.GetByReference(ctx, "ord-2")
			Expect(stored.Status).To(Equal(payment.StatusPending))
			Expect(stored.ProviderReference).To(BeNil())
		})

		It("walks through pending when the provider settles immediately", func() {
			env.momo.initResult = &provider.InitResult{ProviderReference: "PR-9", Status: payment.StatusSucceeded}

			p := initialize()

			Expect(p.Status).To(Equal(payment.StatusSucceeded))
			Expect(env.eventCount()).To(Equal(int64(2)))
		})
	})

	Describe("ApplyProviderStatus", func() {
		succeeded := func(ref string) *provider.NormalizedStatus {
			return &provider.NormalizedStatus{
				Provider:          "momo",
				ProviderReference: ref,
				Status:            payment.StatusSucceeded,
				Amount:            ghs("100.00"),
				Currency:          "GHS",
			}
		}

		It("applies a valid transition and reports the outcome inside the transaction", func() {
			// Given
			p := initialize()
			var seen paymentpkg.Outcome

			// When
			res, err := env.service.ApplyProviderStatus(ctx, "momo", succeeded("PR-123"), func(ctx context.Context, res paymentpkg.ApplyResult) error {
				seen = res.Outcome
				return nil
			})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentpkg.OutcomeApplied))
			Expect(seen).To(Equal(paymentpkg.OutcomeApplied))
			Expect(res.From).To(Equal(payment.StatusPending))
			Expect(res.To).To(Equal(payment.StatusSucceeded))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})

		It("treats a repeated status as a no-op", func() {
			initialize()
			_, err := env.service.ApplyProviderStatus(ctx, "momo", succeeded("PR-123"), nil)
			Expect(err).ToNot(HaveOccurred())

			res, err := env.service.ApplyProviderStatus(ctx, "momo", succeeded("PR-123"), nil)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentpkg.OutcomeNoop))
			Expect(env.eventCount()).To(Equal(int64(2)))
		})

		It("never regresses a terminal payment", func() {
			p := initialize()
			_, err := env.service.ApplyProviderStatus(ctx, "momo", succeeded("PR-123"), nil)
			Expect(err).ToNot(HaveOccurred())

			late := succeeded("PR-123")
			late.Status = payment.StatusProcessing
			res, err := env.service.ApplyProviderStatus(ctx, "momo", late, nil)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentpkg.OutcomeDiscarded))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})

		It("discards a status whose amount disagrees with the payment", func() {
			p := initialize()
			ns := succeeded("PR-123")
			ns.Amount = ghs("1.00")

			res, err := env.service.ApplyProviderStatus(ctx, "momo", ns, nil)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentpkg.OutcomeDiscarded))
			Expect(res.Reason).To(Equal("amount mismatch"))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusPending))
		})

		It("rolls the transition back when the callback fails", func() {
			p := initialize()
			boom := errors.New("claim store down")

			_, err := env.service.ApplyProviderStatus(ctx, "momo", succeeded("PR-123"), func(ctx context.Context, res paymentpkg.ApplyResult) error {
				return boom
			})

			Expect(err).To(HaveOccurred())
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusPending))
			Expect(env.eventCount()).To(Equal(int64(1)))
		})

		It("finds the payment by merchant reference when the provider reference is unknown", func() {
			p := env.seed("ord-7", "", payment.StatusPending)
			ns := succeeded("PR-777")
			ns.MerchantReference = "ord-7"

			res, err := env.service.ApplyProviderStatus(ctx, "momo", ns, nil)

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Outcome).To(Equal(paymentpkg.OutcomeApplied))
			stored := env.reload(p.ID)
			Expect(stored.ProviderRef()).To(Equal("PR-777"))
			Expect(stored.Status).To(Equal(payment.StatusSucceeded))
		})

		It("reports an unknown payment as not found", func() {
			_, err := env.service.ApplyProviderStatus(ctx, "momo", succeeded("PR-404"), nil)
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodePaymentNotFound))
		})
	})

	Describe("VerifyPayment", func() {
		It("does not call the provider for a terminal payment", func() {
			p := env.seed("ord-t", "PR-T", payment.StatusFailed)

			got, err := env.service.VerifyPayment(ctx, p.ID)

			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(payment.StatusFailed))
			Expect(env.momo.verifyCalls).To(BeZero())
		})

		It("applies the status reported by the provider", func() {
			p := initialize()
			env.momo.verifyResult = &provider.NormalizedStatus{ProviderReference: "PR-123", Status: payment.StatusSucceeded, Amount: ghs("100"), Currency: "GHS"}

			got, err := env.service.VerifyPayment(ctx, p.ID)

			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(payment.StatusSucceeded))
			Expect(env.momo.verifyCalls).To(Equal(1))
		})

		It("is a no-op when the status has not changed", func() {
			p := initialize()
			env.momo.verifyResult = &provider.NormalizedStatus{ProviderReference: "PR-123", Status: payment.StatusPending}

			got, err := env.service.VerifyPayment(ctx, p.ID)

			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(payment.StatusPending))
			Expect(env.eventCount()).To(Equal(int64(1)))
		})

		It("looks the payment up by merchant reference after an ambiguous initialization", func() {
			p := env.seed("ord-amb", "", payment.StatusPending)
			env.momo.lookupResult = &provider.NormalizedStatus{ProviderReference: "PR-555", Status: payment.StatusPending}

			got, err := env.service.VerifyPayment(ctx, p.ID)

			Expect(err).ToNot(HaveOccurred())
			Expect(env.momo.lookupCalls).To(Equal(1))
			Expect(got.ProviderRef()).To(Equal("PR-555"))
			Expect(env.reload(p.ID).ProviderRef()).To(Equal("PR-555"))
		})

		It("surfaces an unreachable provider without changing the payment", func() {
			p := initialize()
			env.momo.verifyErr = provider.Unreachable("momo", errors.New("connection reset"))

			_, err := env.service.VerifyPayment(ctx, p.ID)

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeProviderUnreachable))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusPending))
		})

		It("reports a missing payment", func() {
			_, err := env.service.VerifyPayment(ctx, 999)
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodePaymentNotFound))
		})
	})

	Describe("RefundPayment", func() {
		var p *payment.Payment

		BeforeEach(func() {
			p = env.seed("ord-r", "PR-R", payment.StatusSucceeded)
		})

		It("refunds the full amount when none is given", func() {
			out, err := env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{})

			Expect(err).ToNot(HaveOccurred())
			Expect(out.Refund.AmountMinor).To(Equal(int64(10000)))
			Expect(out.Refund.Status).To(Equal(payment.RefundStatusSucceeded))
			Expect(out.Payment.Status).To(Equal(payment.StatusRefunded))
			Expect(env.momo.lastRefund.Amount.Equal(ghs("100"))).To(BeTrue())
		})

		It("returns to succeeded after a partial refund and refunds the rest later", func() {
			amount := ghs("40.00")
			out, err := env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{Amount: &amount})
			Expect(err).ToNot(HaveOccurred())
			Expect(out.Payment.Status).To(Equal(payment.StatusSucceeded))

			out, err = env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{})
			Expect(err).ToNot(HaveOccurred())
			Expect(out.Refund.AmountMinor).To(Equal(int64(6000)))
			Expect(out.Payment.Status).To(Equal(payment.StatusRefunded))
		})

		It("refuses amounts above the remainder without calling the provider", func() {
			first := ghs("60")
			_, err := env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{Amount: &first})
			Expect(err).ToNot(HaveOccurred())
			calls := env.momo.refundCalls

			second := ghs("40.01")
			_, err = env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{Amount: &second})

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidRequest))
			Expect(env.momo.refundCalls).To(Equal(calls))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})

		It("reports an exhausted remainder once the payment is fully refunded", func() {
			_, err := env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{})
			Expect(err).ToNot(HaveOccurred())
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusRefunded))
			calls := env.momo.refundCalls

			more := ghs("1.00")
			_, err = env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{Amount: &more})

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidRequest))
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Details).To(HaveKeyWithValue("remaining", "0.00"))
			Expect(env.momo.refundCalls).To(Equal(calls))
		})

		It("only refunds succeeded payments", func() {
			pending := env.seed("ord-p", "PR-P", payment.StatusPending)

			_, err := env.service.RefundPayment(ctx, pending.ID, paymentpkg.RefundInput{})

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidStateTransition))
			Expect(env.momo.refundCalls).To(BeZero())
		})

		It("keeps an ambiguous refund reserved", func() {
			env.momo.refundErr = provider.Unreachable("momo", errors.New("timeout"))
			env.momo.refundResult = nil
			amount := ghs("30")

			_, err := env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{Amount: &amount})

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeProviderUnreachable))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
			totals, err := env.repo.RefundTotals(ctx, p.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(totals.PendingMinor).To(Equal(int64(3000)))

			env.momo.refundErr = nil
			full := ghs("100")
			_, err = env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{Amount: &full})
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidRequest))
		})

		It("marks a rejected refund failed and releases the amount", func() {
			env.momo.refundErr = provider.Rejected("momo", "refund window closed")
			env.momo.refundResult = nil

			_, err := env.service.RefundPayment(ctx, p.ID, paymentpkg.RefundInput{})

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeProviderRejected))
			totals, _ := env.repo.RefundTotals(ctx, p.ID)
			Expect(totals.PendingMinor).To(BeZero())
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})
	})

	Describe("CalculateFees", func() {
		It("quotes 1.5% + 0.50 on 100.00 GHS as 2.00 with 98.00 net", func() {
			quote, err := env.service.CalculateFees(ctx, paymentpkg.FeeQuery{
				Amount: ghs("100.00"), Currency: "GHS", Method: provider.MethodMobileMoney,
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(quote.Provider).To(Equal("momo"))
			Expect(quote.Fee.Equal(ghs("2.00"))).To(BeTrue())
			Expect(quote.Net.Equal(ghs("98.00"))).To(BeTrue())
		})

		It("fails for unsupported combinations", func() {
			_, err := env.service.CalculateFees(ctx, paymentpkg.FeeQuery{
				Amount: decimal.NewFromInt(1), Currency: "EUR", Method: provider.MethodCard,
			})
			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeNoProviderSupportsCombination))
		})
	})

	Describe("ExpirePayment", func() {
		It("refuses to expire a terminal payment", func() {
			p := env.seed("ord-x", "PR-X", payment.StatusSucceeded)

			_, err := env.service.ExpirePayment(ctx, p.ID, "reconcile")

			Expect(apperrors.CodeOf(err)).To(Equal(apperrors.ErrCodeInvalidStateTransition))
			Expect(env.reload(p.ID).Status).To(Equal(payment.StatusSucceeded))
		})
	})

	Describe("Providers", func() {
		It("lists providers in priority order", func() {
			infos := env.service.Providers()
			Expect(infos).To(HaveLen(2))
			Expect(infos[0].Name).To(Equal("momo"))
			Expect(infos[1].Currencies).To(ConsistOf("GHS", "USD"))
		})
	})
})

var _ = DescribeTable("CanTransition",
	func(from, to payment.Status, allowed bool) {
		Expect(paymentpkg.CanTransition(from, to)).To(Equal(allowed))
	},
	Entry("pending to processing", payment.StatusPending, payment.StatusProcessing, true),
	Entry("processing to succeeded", payment.StatusProcessing, payment.StatusSucceeded, true),
	Entry("succeeded to processing", payment.StatusSucceeded, payment.StatusProcessing, false),
	Entry("failed to succeeded", payment.StatusFailed, payment.StatusSucceeded, false),
	Entry("succeeded to refunding", payment.StatusSucceeded, payment.StatusRefunding, true),
	Entry("refunding to refunded", payment.StatusRefunding, payment.StatusRefunded, true),
	Entry("refunded to succeeded", payment.StatusRefunded, payment.StatusSucceeded, false),
	Entry("expired to pending", payment.StatusExpired, payment.StatusPending, false),
	Entry("processing to pending", payment.StatusProcessing, payment.StatusPending, false),
)
