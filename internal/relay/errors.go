package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

// errSessionClosed signals that the broker connection went away for good and
// the run loop should reconnect.
var errSessionClosed = errors.New("broker session closed")

// isTransientPublishErr reports whether a publish failure is worth a retry:
// timeouts and connection hiccups can succeed later, anything else (bad
// subject, rejected payload) will fail the same way again. Cancellation is
// transient too: it means the serve loop is tearing down around an in-flight
// publish, and the requeued item gets another chance on the shutdown drain or
// the next session.
func isTransientPublishErr(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// isAlreadyBound reports the benign attach race where the durable consumer is
// still bound to a previous process instance that has not been torn down yet.
// The client has no stable typed error for this condition across versions, so
// the message text is matched.
func isAlreadyBound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already bound")
}
