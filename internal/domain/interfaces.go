package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the application layer depends on them.

// Dispatcher receives every decoded inbound message from every channel.
// Implemented by app/dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(d Delivery)
}

// PeerLookup is the read side of the presence directory.
type PeerLookup interface {
	Get(id string) (PeerRecord, bool)
}

// SyncChannel is a synchronous delivery mechanism: a message is either
// accepted by the target before TrySend returns or the attempt failed.
type SyncChannel interface {
	Kind() ChannelKind

	// Listen binds the inbound side at addr and starts serving in the
	// background. It returns the bound address (useful with port 0).
	Listen(addr string) (string, error)

	// TrySend delivers msg to target. A nil error means delivered; any error
	// is a delivery failure the caller recovers from.
	TrySend(ctx context.Context, target PeerRecord, msg Message) error

	// Stop closes the listener. Safe to call repeatedly or before Listen.
	Stop() error
}

// AsyncChannel is the durable, best-effort delivery mechanism.
type AsyncChannel interface {
	Kind() ChannelKind

	// Subscribe starts consuming the inbox owned by peerID.
	Subscribe(peerID string) error

	// Enqueue accepts msg for targetID. It never reports failure to the
	// caller; transport problems are retried once and then logged.
	Enqueue(ctx context.Context, targetID string, msg Message)

	// Stop ends consumption. Safe to call repeatedly or before Subscribe.
	Stop() error
}
