package brokerkit

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ShutdownOrchestrator.Shutdown", func() {
	It("runs the user callback and propagates its error without swallowing it", func() {
		boom := errors.New("boom")
		o := &ShutdownOrchestrator{
			OnShutdown: func() error { return boom },
		}
		_, err := o.Shutdown(ShutdownOptions{})
		Expect(err).To(MatchError(boom))
	})

	It("runs cleanly with no Consumer, no Producers, and no callback", func() {
		o := &ShutdownOrchestrator{}
		report, err := o.Shutdown(ShutdownOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Consumer).To(BeNil())
		Expect(report.Producers).To(BeEmpty())
	})

	It("aggregates Producer shutdown results", func() {
		p1 := &Producer{pending: make(map[string]*pendingRequest)}
		p2 := &Producer{pending: make(map[string]*pendingRequest)}
		o := &ShutdownOrchestrator{Producers: []*Producer{p1, p2}}

		report, err := o.Shutdown(ShutdownOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Producers).To(HaveLen(2))
		for _, r := range report.Producers {
			Expect(r.Success).To(BeTrue())
		}
	})
})
