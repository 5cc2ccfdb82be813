package brokerkit

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("pendingRequest.settle", func() {
	It("delivers exactly one result even when settled concurrently from multiple goroutines", func() {
		req := &pendingRequest{result: make(chan pendingResult, 1)}
		for i := 0; i < 8; i++ {
			go req.settle([]byte("body"), nil)
		}
		res := <-req.result
		Expect(res.body).To(Equal([]byte("body")))
		Expect(res.err).NotTo(HaveOccurred())
	})

	It("stops its timer when settled", func() {
		fired := false
		req := &pendingRequest{
			result: make(chan pendingResult, 1),
			timer:  time.AfterFunc(time.Hour, func() { fired = true }),
		}
		req.settle(nil, ErrRequestTimeout)
		Expect(fired).To(BeFalse())
		res := <-req.result
		Expect(res.err).To(Equal(ErrRequestTimeout))
	})
})

var _ = Describe("Producer.Send against an unconnected producer", func() {
	It("fails fast with ErrNotConnected", func() {
		p := &Producer{pending: make(map[string]*pendingRequest)}
		_, err := p.Send(context.Background(), "order.created", map[string]string{}, SendOptions{})
		Expect(err).To(Equal(ErrNotConnected))
	})
})

var _ = Describe("Producer.Shutdown idempotency", func() {
	It("returns success immediately when never connected", func() {
		p := &Producer{pending: make(map[string]*pendingRequest)}
		res := p.Shutdown(ShutdownOptions{})
		Expect(res.Success).To(BeTrue())
		Expect(res.PendingCount).To(Equal(0))
	})
})
