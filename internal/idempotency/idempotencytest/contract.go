// Package idempotencytest holds the behaviour every idempotency.Store backend must share.
package idempotencytest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/restaurant-pos/internal/idempotency"
)

// DescribeStoreContract registers the shared specs against stores built by newStore.
func DescribeStoreContract(newStore func() idempotency.Store) {
	var (
		store idempotency.Store
		ctx   context.Context
	)

	claim := func(key, txID string, ttl time.Duration) (*idempotency.Record, bool, error) {
		return store.Claim(ctx, idempotency.Record{
			Key:           key,
			Fingerprint:   "fp-" + key,
			TransactionID: txID,
			ExpiresAt:     time.Now().UTC().Add(ttl),
		})
	}

	ginkgo.BeforeEach(func() {
		store = newStore()
		ctx = context.Background()
	})

	ginkgo.Describe("Lookup", func() {
		ginkgo.It("should report an unknown key as not found", func() {
			_, err := store.Lookup(ctx, "K-missing")
			gomega.Expect(errors.Is(err, idempotency.ErrNotFound)).To(gomega.BeTrue())
		})
	})

	ginkgo.Describe("Claim", func() {
		ginkgo.It("should hand the key to the first caller only", func() {
			rec, claimed, err := claim("K1", "T1", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(claimed).To(gomega.BeTrue())
			gomega.Expect(rec.State).To(gomega.Equal(idempotency.StateInFlight))

			holder, claimed, err := claim("K1", "T2", time.Hour)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(claimed).To(gomega.BeFalse())
			gomega.Expect(holder.TransactionID).To(gomega.Equal("T1"))
			gomega.Expect(holder.Fingerprint).To(gomega.Equal("fp-K1"))
		})

		ginkgo.It("should let exactly one of many concurrent callers claim a key", func() {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(n int) {
					defer ginkgo.GinkgoRecover()
					defer wg.Done()
					_, claimed, err := claim("K-race", string(rune('a'+n)), time.Hour)
					gomega.Expect(err).ToNot(gomega.HaveOccurred())
					if claimed {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			gomega.Expect(wins).To(gomega.Equal(1))
		})

		ginkgo.It("should reclaim a key whose record expired", func() {
			_, claimed, err := claim("K-exp", "T1", -time.Second)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(claimed).To(gomega.BeTrue())

			rec, claimed, err := claim("K-exp", "T2", time.Hour)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(claimed).To(gomega.BeTrue())
			gomega.Expect(rec.TransactionID).To(gomega.Equal("T2"))
		})
	})

	ginkgo.Describe("Complete", func() {
		ginkgo.It("should cache the response for the claiming transaction", func() {
			_, _, err := claim("K2", "T1", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			err = store.Complete(ctx, "K2", "T1", []byte(`{"status":"succeeded"}`), time.Now().Add(time.Hour))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			rec, err := store.Lookup(ctx, "K2")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(rec.State).To(gomega.Equal(idempotency.StateCompleted))
			gomega.Expect(rec.Fingerprint).To(gomega.Equal("fp-K2"))
			gomega.Expect(string(rec.Response)).To(gomega.MatchJSON(`{"status":"succeeded"}`))
		})

		ginkgo.It("should store once and keep the first response", func() {
			_, _, err := claim("K3", "T1", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(store.Complete(ctx, "K3", "T1", []byte(`{"n":1}`), time.Now().Add(time.Hour))).To(gomega.Succeed())

			gomega.Expect(store.Complete(ctx, "K3", "T1", []byte(`{"n":2}`), time.Now().Add(time.Hour))).To(gomega.Succeed())

			rec, err := store.Lookup(ctx, "K3")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(string(rec.Response)).To(gomega.MatchJSON(`{"n":1}`))
		})

		ginkgo.It("should refuse a transaction that does not hold the key", func() {
			_, _, err := claim("K4", "T1", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			err = store.Complete(ctx, "K4", "T2", []byte(`{}`), time.Now().Add(time.Hour))

			gomega.Expect(errors.Is(err, idempotency.ErrNotOwner)).To(gomega.BeTrue())
		})
	})

	ginkgo.Describe("Release", func() {
		ginkgo.It("should free an in-flight key for a new claim", func() {
			_, _, err := claim("K5", "T1", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			gomega.Expect(store.Release(ctx, "K5", "T1")).To(gomega.Succeed())

			_, err = store.Lookup(ctx, "K5")
			gomega.Expect(errors.Is(err, idempotency.ErrNotFound)).To(gomega.BeTrue())
			_, claimed, err := claim("K5", "T2", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(claimed).To(gomega.BeTrue())
		})

		ginkgo.It("should leave a completed record alone", func() {
			_, _, err := claim("K6", "T1", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(store.Complete(ctx, "K6", "T1", []byte(`{}`), time.Now().Add(time.Hour))).To(gomega.Succeed())

			gomega.Expect(store.Release(ctx, "K6", "T1")).To(gomega.Succeed())

			rec, err := store.Lookup(ctx, "K6")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(rec.State).To(gomega.Equal(idempotency.StateCompleted))
		})
	})

	ginkgo.Describe("PurgeExpired", func() {
		ginkgo.It("should delete only expired records", func() {
			_, _, err := claim("K-old", "T1", -time.Minute)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			_, _, err = claim("K-new", "T2", time.Hour)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			purged, err := store.PurgeExpired(ctx)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(purged).To(gomega.Equal(int64(1)))
			_, err = store.Lookup(ctx, "K-new")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
		})
	})
}
