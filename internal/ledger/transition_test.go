package ledger_test

import (
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
)

var _ = ginkgo.Describe("Decide", func() {
	ginkgo.DescribeTable("status transitions",
		func(from, to transaction.Status, expected ledger.Decision) {
			gomega.Expect(ledger.Decide(from, to)).To(gomega.Equal(expected))
		},
		ginkgo.Entry("pending to succeeded", transaction.StatusPending, transaction.StatusSucceeded, ledger.DecisionApply),
		ginkgo.Entry("pending to failed", transaction.StatusPending, transaction.StatusFailed, ledger.DecisionApply),
		ginkgo.Entry("pending to requires_action", transaction.StatusPending, transaction.StatusRequiresAction, ledger.DecisionApply),
		ginkgo.Entry("requires_action to succeeded", transaction.StatusRequiresAction, transaction.StatusSucceeded, ledger.DecisionApply),
		ginkgo.Entry("requires_action to failed", transaction.StatusRequiresAction, transaction.StatusFailed, ledger.DecisionApply),
		ginkgo.Entry("late success after failure", transaction.StatusFailed, transaction.StatusSucceeded, ledger.DecisionApply),
		ginkgo.Entry("succeeded replayed", transaction.StatusSucceeded, transaction.StatusSucceeded, ledger.DecisionNoop),
		ginkgo.Entry("failed replayed", transaction.StatusFailed, transaction.StatusFailed, ledger.DecisionNoop),
		ginkgo.Entry("failure after success", transaction.StatusSucceeded, transaction.StatusFailed, ledger.DecisionConflict),
		ginkgo.Entry("pending after success", transaction.StatusSucceeded, transaction.StatusPending, ledger.DecisionStale),
		ginkgo.Entry("requires_action after success", transaction.StatusSucceeded, transaction.StatusRequiresAction, ledger.DecisionStale),
		ginkgo.Entry("pending after requires_action", transaction.StatusRequiresAction, transaction.StatusPending, ledger.DecisionStale),
		ginkgo.Entry("requires_action after failure", transaction.StatusFailed, transaction.StatusRequiresAction, ledger.DecisionStale),
	)

	ginkgo.It("never regresses a terminal status to pending", func() {
		for _, from := range []transaction.Status{transaction.StatusSucceeded, transaction.StatusFailed} {
			gomega.Expect(ledger.Decide(from, transaction.StatusPending)).ToNot(gomega.Equal(ledger.DecisionApply))
		}
	})
})
