package circuit

import (
	"context"

	"lokinet-path/internal/rc"
)

// WireTransport is the narrow contract the core needs from the
// concrete connection layer (spec.md §6): deliver a frame to a peer
// router, and forget a path id's association once it expires. Framing,
// liveness, and retransmission live entirely in the transport; the
// core never sees a connection object.
type WireTransport interface {
	SendLRCM(ctx context.Context, to rc.RouterID, msg LRCM) error
	SendRelayUpstream(ctx context.Context, to rc.RouterID, frames []RelayFrame) error
	SendRelayDownstream(ctx context.Context, to rc.RouterID, frames []RelayFrame) error
	ForgetPath(id PathID)
}

// WorkDispatcher posts a closure for asynchronous execution (the
// crypto worker pool). The circuit package declares this type but does
// not post work through it: builds and wrap/unwrap steps run on the
// calling goroutine.
type WorkDispatcher func(func())

// RoutingHandler receives decoded routing messages from a terminal
// transit hop or an owned path's downstream unwrap. Handlers may fail;
// failures are logged by the caller and the offending frame dropped,
// but the path remains Established (spec.md §4.5).
type RoutingHandler interface {
	HandleRoutingMessage(path PathID, msg RoutingMessage) error
}

// RCLookup is how the builder and transit-hop installer look up
// router contacts without owning the nodedb directly.
type RCLookup interface {
	Get(pk rc.RouterID) (*rc.RC, bool)
}
