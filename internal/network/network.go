// Package network carries ledger envelopes between peers.
package network

import "context"

// Handler consumes an inbound envelope.
type Handler func(ctx context.Context, env Envelope)

// Messenger is the peer-messaging collaborator. Broadcast and Send are
// fire-and-forget from the ledger's point of view: a failure is reported but
// never undoes local state.
type Messenger interface {
	// Broadcast gossips env to every reachable peer. Returns
	// ledger.ErrNoConnectivity when there is nobody to reach.
	Broadcast(ctx context.Context, env Envelope) error
	// Send delivers env to a single node.
	Send(ctx context.Context, nodeID string, env Envelope) error
	// Subscribe registers h for every inbound envelope.
	Subscribe(h Handler)
	// Peers lists currently connected node ids.
	Peers() []string
	// Close stops delivery.
	Close() error
}
