// Package brokerkit is an AMQP 0-9-1 message-broker client library built atop
// amqp091-go that comes with:
//
// * Auto-reconnect support, with bounded exponential backoff and full jitter
//
// * A Consumer that binds handlers to routing keys, with a middleware chain,
// retry-via-dead-lettering and a dead-letter queue
//
// * A Producer that correlates request/reply RPC calls over an exclusive
// reply queue
package brokerkit
