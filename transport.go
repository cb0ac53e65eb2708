package relay

import (
	"context"
	"time"
)

// Transport performs remote action calls. A route whose target is a
// transport name sends the call through the registered Transport instead of
// running a local handler.
//
// Transports may also implement Connector, Server, Follower and Publisher.
type Transport interface {
	Send(ctx context.Context, msg Message, h *Headers) (any, error)
}

// Connector prepares and tears down outbound capability. Connect must be
// idempotent.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Server accepts inbound calls. Inbound calls must re-enter the engine
// with $local:true so they never bounce back out through a transport.
type Server interface {
	Listen(ctx context.Context) error
	Close(ctx context.Context) error
}

// Follower subscribes to notifications published by remote engines.
// Every remote notification is handed to deliver, which applies the
// engine's dedup cache before invoking listeners.
type Follower interface {
	Follow(ctx context.Context, deliver DeliverFunc) error
}

// DeliverFunc hands a remote notification to the engine.
type DeliverFunc func(n Notification)

// Publisher publishes notifications to remote engines. Transports listed
// in a call's $notify targets publish through this interface.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// TransportOption configures a transport registration.
type TransportOption func(*transportEntry)

// WithTransportTimeout sets the default timeout of calls sent through the
// transport. It applies only when neither the call nor the route sets one.
func WithTransportTimeout(d time.Duration) TransportOption {
	return func(t *transportEntry) {
		t.timeout = d
	}
}

type transportEntry struct {
	name      string
	transport Transport
	timeout   time.Duration
}
