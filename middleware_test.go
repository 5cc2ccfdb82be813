package brokerkit

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("MiddlewareChain", func() {
	It("runs middlewares in registration order around the terminal handler", func() {
		chain := NewMiddlewareChain()
		var order []string

		chain.Use(func(ctx *HandlerContext, next Next, reply ReplyFunc) error {
			order = append(order, "first-before")
			err := next()
			order = append(order, "first-after")
			return err
		})
		chain.Use(func(ctx *HandlerContext, next Next, reply ReplyFunc) error {
			order = append(order, "second-before")
			err := next()
			order = append(order, "second-after")
			return err
		})

		terminal := func(ctx *HandlerContext, reply ReplyFunc) error {
			order = append(order, "terminal")
			return nil
		}

		next := chain.Compose(&HandlerContext{}, func(interface{}) error { return nil }, terminal)
		Expect(next()).To(Succeed())

		Expect(order).To(Equal([]string{
			"first-before", "second-before", "terminal", "second-after", "first-after",
		}))
	})

	It("propagates a terminal handler's error back through the chain", func() {
		chain := NewMiddlewareChain()
		boom := errors.New("boom")

		terminal := func(ctx *HandlerContext, reply ReplyFunc) error { return boom }
		next := chain.Compose(&HandlerContext{}, func(interface{}) error { return nil }, terminal)

		Expect(next()).To(MatchError(boom))
	})

	It("lets a middleware short-circuit by not calling next", func() {
		chain := NewMiddlewareChain()
		called := false

		chain.Use(func(ctx *HandlerContext, next Next, reply ReplyFunc) error {
			return nil // never calls next
		})

		terminal := func(ctx *HandlerContext, reply ReplyFunc) error {
			called = true
			return nil
		}

		next := chain.Compose(&HandlerContext{}, func(interface{}) error { return nil }, terminal)
		Expect(next()).To(Succeed())
		Expect(called).To(BeFalse())
	})

	It("runs with an empty chain", func() {
		chain := NewMiddlewareChain()
		ran := false
		terminal := func(ctx *HandlerContext, reply ReplyFunc) error {
			ran = true
			return nil
		}
		next := chain.Compose(&HandlerContext{}, func(interface{}) error { return nil }, terminal)
		Expect(next()).To(Succeed())
		Expect(ran).To(BeTrue())
	})
})
