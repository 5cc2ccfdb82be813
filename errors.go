package brokerkit

import (
	"errors"
	"net"
	"strings"

	pkgerrors "github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Sentinel errors surfaced to callers. ErrMaxReconnectAttempts and
// ErrPublishError are wrapped with pkg/errors where they are produced; the
// others are returned as-is. errors.Is matches both forms.
var (
	ErrNotConnected         = errors.New("brokerkit: not connected")
	ErrConnectionTimeout    = errors.New("brokerkit: connection attempt timed out")
	ErrRequestTimeout       = errors.New("brokerkit: request timed out waiting for reply")
	ErrShutdownCancelled    = errors.New("brokerkit: client shutdown: request cancelled")
	ErrMaxReconnectAttempts = errors.New("brokerkit: exhausted reconnect attempts")
	ErrPublishError         = errors.New("brokerkit: publish failed")
	ErrClosed               = errors.New("brokerkit: connection is closed")
)

// Kind classifies an error as recoverable (worth reconnecting over) or
// terminal (must be surfaced to the caller).
type Kind int

const (
	// Recoverable errors are consumed by the reconnect loop.
	Recoverable Kind = iota
	// Terminal errors propagate to the caller and the event bus.
	Terminal
)

func (k Kind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "recoverable"
}

// terminalReplyCodes are the AMQP 0-9-1 soft/hard errors that cannot be cured
// by reconnecting.
var terminalReplyCodes = map[int]bool{
	amqp091.InvalidPath:        true,
	amqp091.AccessRefused:      true,
	amqp091.NotFound:           true,
	amqp091.PreconditionFailed: true,
	amqp091.FrameError:         true,
	amqp091.SyntaxError:        true,
	amqp091.CommandInvalid:     true,
	amqp091.ChannelError:       true,
	amqp091.UnexpectedFrame:    true,
	amqp091.NotAllowed:         true,
	amqp091.InternalError:      true,
}

// Classify decides whether err is recoverable (triggers a reconnect) or
// terminal (propagates to the caller and the event bus). See spec.md §4.1.
func Classify(err error) Kind {
	if err == nil {
		return Recoverable
	}

	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		if terminalReplyCodes[amqpErr.Code] {
			return Terminal
		}
		msg := strings.ToUpper(amqpErr.Reason)
		if strings.Contains(msg, "ACCESS_REFUSED") || strings.Contains(strings.ToLower(amqpErr.Reason), "authentication") {
			return Terminal
		}
		return Recoverable
	}

	msg := err.Error()
	upper := strings.ToUpper(msg)
	if strings.Contains(upper, "ACCESS_REFUSED") || strings.Contains(strings.ToLower(msg), "authentication") {
		return Terminal
	}

	// Plain network-level failures (refused connections, timeouts, DNS
	// failures, a dead TCP socket) carry no *amqp091.Error and are always
	// recoverable - that's precisely the case reconnection exists for.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Recoverable
	}

	return Recoverable
}

// wrap is a small pkg/errors.Wrapf convenience kept local so every call site
// doesn't need to import pkg/errors directly under a different alias.
func wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, format, args...)
}
