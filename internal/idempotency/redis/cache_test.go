package redis_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aliuwahab/kitua-sub001/internal/core/database"
	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	idem "github.com/aliuwahab/kitua-sub001/internal/idempotency"
	"github.com/aliuwahab/kitua-sub001/internal/idempotency/postgres"
	idemredis "github.com/aliuwahab/kitua-sub001/internal/idempotency/redis"
)

var _ = Describe("Cache", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		client *goredis.Client
		cache  *idemredis.Cache
		key    idem.Key
		past   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		client = idemredis.NewClient(idemredis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)

		db, err := database.OpenSQLite(":memory:")
		Expect(err).ToNot(HaveOccurred())
		Expect(database.AutoMigrate(db)).To(Succeed())

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		cache = idemredis.NewCache(postgres.NewStore(db), client, idemredis.Options{TTL: time.Hour}, logger)
		key = idem.Key{Provider: "momo", ProviderReference: "PR-123", Fingerprint: "abc"}
		past = time.Now().Add(-time.Minute)
	})

	It("writes a marker when a key is claimed", func() {
		// When a key is claimed
		res, _, err := cache.TryClaim(ctx, key, nil, past)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(idem.Claimed))

		// Then redis remembers it with a ttl
		Expect(mr.Exists(idemredis.DefaultPrefix + key.String())).To(BeTrue())
		Expect(mr.TTL(idemredis.DefaultPrefix + key.String())).To(Equal(time.Hour))
	})

	It("answers duplicates from the marker", func() {
		_, rec, err := cache.TryClaim(ctx, key, nil, past)
		Expect(err).ToNot(HaveOccurred())

		res, existing, err := cache.TryClaim(ctx, key, nil, past)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(idem.AlreadyClaimed))
		Expect(existing.ID).To(Equal(rec.ID))
	})

	It("falls back to the durable store when redis is down", func() {
		mr.Close()

		res, _, err := cache.TryClaim(ctx, key, nil, past)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(idem.Claimed))

		res, _, err = cache.TryClaim(ctx, key, nil, past)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(idem.AlreadyClaimed))
	})

	It("ignores a stale marker", func() {
		Expect(mr.Set(idemredis.DefaultPrefix+key.String(), "applied")).To(Succeed())

		res, _, err := cache.TryClaim(ctx, key, nil, past)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(idem.Claimed))
	})

	It("records the settled state", func() {
		_, rec, err := cache.TryClaim(ctx, key, nil, past)
		Expect(err).ToNot(HaveOccurred())
		Expect(cache.Settle(ctx, rec.ID, idempotency.StateApplied, "succeeded")).To(Succeed())

		cache.Remember(ctx, key, idempotency.StateApplied)
		val, err := mr.Get(idemredis.DefaultPrefix + key.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(val).To(Equal("applied"))
	})
})
