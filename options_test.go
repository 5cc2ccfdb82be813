package brokerkit

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ReconnectPolicy", func() {
	It("applies defaults without disturbing an explicit zero MaxAttempts", func() {
		p := ReconnectPolicy{Enabled: true, MaxAttempts: 0}
		p.applyDefaults()
		Expect(p.MaxAttempts).To(Equal(0))
		Expect(p.InitialDelay).To(Equal(DefaultInitialDelay))
		Expect(p.MaxDelay).To(Equal(DefaultMaxDelay))
		Expect(p.BackoffMultiplier).To(Equal(DefaultBackoffMultiplier))
		Expect(p.AttemptTimeout).To(Equal(DefaultConnectAttemptTimeout))
	})

	It("leaves explicit non-zero values untouched", func() {
		p := ReconnectPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 3, AttemptTimeout: 5 * time.Second}
		p.applyDefaults()
		Expect(p.InitialDelay).To(Equal(time.Second))
		Expect(p.MaxDelay).To(Equal(time.Minute))
		Expect(p.BackoffMultiplier).To(Equal(3.0))
		Expect(p.AttemptTimeout).To(Equal(5 * time.Second))
	})

	It("defaults to unbounded attempts and enabled reconnection", func() {
		p := DefaultReconnectPolicy()
		Expect(p.Enabled).To(BeTrue())
		Expect(p.MaxAttempts).To(Equal(Unbounded))
	})
})

var _ = Describe("ConnectionOptions", func() {
	It("rejects an empty URI", func() {
		o := ConnectionOptions{}
		Expect(o.validate()).To(HaveOccurred())
	})

	It("accepts a populated URI and defaults the heartbeat", func() {
		o := ConnectionOptions{URI: "amqp://localhost"}
		o.applyDefaults()
		Expect(o.validate()).NotTo(HaveOccurred())
		Expect(o.Heartbeat).To(Equal(DefaultHeartbeat))
	})
})

var _ = Describe("ConsumerOptions", func() {
	It("derives the exchange name from AppName when unset", func() {
		o := ConsumerOptions{AppName: "orders"}
		o.applyDefaults()
		Expect(o.Exchange).To(Equal("orders"))
	})

	It("keeps an explicit exchange override", func() {
		o := ConsumerOptions{AppName: "orders", Exchange: "orders.v2"}
		o.applyDefaults()
		Expect(o.Exchange).To(Equal("orders.v2"))
	})

	It("requires AppName", func() {
		o := ConsumerOptions{}
		o.applyDefaults()
		Expect(o.validate()).To(HaveOccurred())
	})
})

var _ = Describe("HandlerOptions overrides", func() {
	It("falls back to the Consumer default when unset", func() {
		h := HandlerOptions{}
		Expect(h.maxRetries(3)).To(Equal(3))
		Expect(h.retryTTL(5 * time.Second)).To(Equal(5 * time.Second))
		Expect(h.retryEnabled(true)).To(BeTrue())
	})

	It("honors an explicit per-route override, including an explicit zero", func() {
		zero := 0
		h := HandlerOptions{MaxRetries: &zero}
		Expect(h.maxRetries(3)).To(Equal(0))
	})
})

var _ = Describe("SendOptions", func() {
	It("defaults persistence to true", func() {
		Expect(SendOptions{}.persistent()).To(BeTrue())
	})

	It("honors an explicit false", func() {
		f := false
		Expect(SendOptions{Persistent: &f}.persistent()).To(BeFalse())
	})

	It("defaults a zero timeout to DefaultRequestTimeout", func() {
		Expect(SendOptions{}.timeout()).To(Equal(DefaultRequestTimeout))
	})

	It("disables the timeout entirely for a negative value", func() {
		Expect(SendOptions{Timeout: -1}.timeout()).To(Equal(time.Duration(0)))
	})

	It("keeps an explicit positive timeout", func() {
		Expect(SendOptions{Timeout: 2 * time.Second}.timeout()).To(Equal(2 * time.Second))
	})
})

var _ = Describe("ShutdownOptions", func() {
	It("defaults an unset timeout to DefaultShutdownTimeout", func() {
		Expect(ShutdownOptions{}.timeout()).To(Equal(DefaultShutdownTimeout))
	})

	It("honors an explicit zero timeout instead of coercing it to the default", func() {
		zero := time.Duration(0)
		Expect(ShutdownOptions{Timeout: &zero}.timeout()).To(Equal(time.Duration(0)))
	})

	It("keeps an explicit positive timeout", func() {
		d := 5 * time.Second
		Expect(ShutdownOptions{Timeout: &d}.timeout()).To(Equal(5 * time.Second))
	})

	It("applyDefaults only fills in an unset timeout", func() {
		zero := time.Duration(0)
		o := ShutdownOptions{Timeout: &zero}
		o.applyDefaults(false)
		Expect(*o.Timeout).To(Equal(time.Duration(0)))

		var unset ShutdownOptions
		unset.applyDefaults(false)
		Expect(*unset.Timeout).To(Equal(DefaultShutdownTimeout))
	})
})
