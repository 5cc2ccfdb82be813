package brokerkit

import (
	"log/slog"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// reservedExchanges are pre-declared by the broker; declaring them is a
// protocol error. See spec.md §4.2 and §6 "Reserved exchange names".
var reservedExchanges = map[string]bool{
	"":             true,
	"amq.direct":   true,
	"amq.fanout":   true,
	"amq.topic":    true,
	"amq.headers":  true,
	"amq.match":    true,
}

// ExchangeGuard validates exchange names and asserts non-reserved ones onto
// the broker.
type ExchangeGuard struct{}

// IsReserved reports whether name is a broker-reserved exchange name.
func (ExchangeGuard) IsReserved(name string) bool {
	return reservedExchanges[name]
}

// Validate emits a non-fatal advisory through the logging sink for reserved
// names and otherwise does nothing; it never fails the caller.
func (g ExchangeGuard) Validate(name string) {
	if g.IsReserved(name) {
		slog.Warn("brokerkit: exchange name is reserved, skipping declaration", "exchange", name)
	}
}

// Assert declares name as a durable direct exchange on ch, unless name is
// reserved - reserved names are pre-declared by the broker and declaring
// them again is a protocol error (spec.md §4.2(c)).
func (g ExchangeGuard) Assert(ch *amqp091.Channel, name string, durable bool) error {
	g.Validate(name)
	if g.IsReserved(name) {
		return nil
	}
	return ch.ExchangeDeclare(
		name,
		"direct",
		durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}
