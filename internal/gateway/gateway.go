// Package gateway defines the operator-facing entry points of a running fleet.
package gateway

import "context"

// Gateway is an operator surface over the scheduler (the HTTP API today).
type Gateway interface {
	// Start serves until the context is canceled or the listener fails.
	Start(ctx context.Context) error

	// Stop drains in-flight requests within the context deadline.
	Stop(ctx context.Context) error
}
