package brokerkit

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ExchangeGuard", func() {
	guard := ExchangeGuard{}

	It("recognizes every reserved name", func() {
		for _, name := range []string{"", "amq.direct", "amq.fanout", "amq.topic", "amq.headers", "amq.match"} {
			Expect(guard.IsReserved(name)).To(BeTrue(), name)
		}
	})

	It("does not flag an ordinary application exchange name", func() {
		Expect(guard.IsReserved("orders")).To(BeFalse())
	})

	It("short-circuits Assert for reserved names without touching the channel", func() {
		Expect(guard.Assert(nil, "amq.direct", true)).To(Succeed())
		Expect(guard.Assert(nil, "", true)).To(Succeed())
	})
})
