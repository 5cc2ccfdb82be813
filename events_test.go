package brokerkit

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("EventBus", func() {
	It("delivers an event to every registered listener", func() {
		bus := NewEventBus()
		var a, b []Event

		bus.On(func(ev Event) { a = append(a, ev) })
		bus.On(func(ev Event) { b = append(b, ev) })

		bus.Emit(Event{Kind: EventConnected})

		Expect(a).To(HaveLen(1))
		Expect(b).To(HaveLen(1))
		Expect(a[0].Kind).To(Equal(EventConnected))
	})

	It("invokes listeners in registration order", func() {
		bus := NewEventBus()
		var order []int

		bus.On(func(Event) { order = append(order, 1) })
		bus.On(func(Event) { order = append(order, 2) })
		bus.On(func(Event) { order = append(order, 3) })

		bus.Emit(Event{Kind: EventError})

		Expect(order).To(Equal([]int{1, 2, 3}))
	})

	It("is a no-op with no listeners registered", func() {
		bus := NewEventBus()
		Expect(func() { bus.Emit(Event{Kind: EventDisconnected}) }).NotTo(Panic())
	})
})

var _ = Describe("EventKind.String", func() {
	It("names every kind", func() {
		Expect(EventConnected.String()).To(Equal("connected"))
		Expect(EventDisconnected.String()).To(Equal("disconnected"))
		Expect(EventReconnecting.String()).To(Equal("reconnecting"))
		Expect(EventReconnected.String()).To(Equal("reconnected"))
		Expect(EventError.String()).To(Equal("error"))
	})
})
