// Package transport defines the manager's outbound connection to the
// cluster master. The wire protocol and discovery of the master endpoint
// are external collaborators; this package only defines the contract the
// manager drives and two concrete adapters exercising it.
package transport

import (
	"context"

	"github.com/clustercore/sumagent/internal/update"
)

// Transport delivers status updates to the cluster master. Send is
// fire-and-forget: a transport error is not surfaced as a delivery
// failure to the caller, since reliability is the manager's job through
// retransmission, not the transport's.
type Transport interface {
	// Send delivers u to the master at endpoint. A non-nil error means
	// this attempt failed (e.g. the connection to endpoint could not be
	// established, the write failed, or the master did not accept the
	// call); the manager logs it and relies on the next retransmission
	// to retry.
	Send(ctx context.Context, endpoint string, u update.StatusUpdate) error

	// Close releases any connections held by the transport.
	Close() error
}

// Config holds settings shared by the concrete transport adapters.
type Config struct {
	UseTLS bool
}
