// Package cluster defines the node-to-node messaging layer of the gateway.
//
// Two primitives are provided: reliable fan-out of small facts to every node
// (Broadcast), and point-to-point request / response between two nodes
// (Request). The production implementation rides on NATS subjects; a loopback
// implementation wires multiple in-process nodes together for testing.
package cluster

import (
	"context"
	"sync"
)

// Broadcast channels in use
const (
	// ChannelIndex carries metadata index entry updates
	ChannelIndex = "index"
	// ChannelEvent carries CloudEvents for cluster-wide delivery
	ChannelEvent = "event"
	// ChannelKill carries session force-termination orders
	ChannelKill = "kill"
)

// BroadcastHandler is the function signature for callbacks processing a broadcast
type BroadcastHandler func(ctxt context.Context, payload []byte)

// RequestHandler is the function signature for callbacks answering a
// point-to-point node request
type RequestHandler func(ctxt context.Context, payload []byte) ([]byte, error)

// Transport moves messages between gateway nodes
type Transport interface {
	// NodeName the name this node is reachable under
	NodeName() string
	// Broadcast fan a payload out to every node on a channel. Fire-and-forget;
	// delivery retry is the transport's concern, no application ACK is expected.
	Broadcast(ctxt context.Context, channel string, payload []byte) error
	// SubscribeBroadcast register a handler for payloads broadcast on a channel.
	// The sending node receives its own broadcasts as well.
	SubscribeBroadcast(channel string, handler BroadcastHandler, wg *sync.WaitGroup) error
	// Request send a payload to one node and wait for its response
	Request(ctxt context.Context, targetNode string, payload []byte) ([]byte, error)
	// ServeNodeRequests register the handler answering requests aimed at this node
	ServeNodeRequests(handler RequestHandler, wg *sync.WaitGroup) error
}
