package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/evgate/common"
	"github.com/apex/log"
)

// LoopbackNetwork wires multiple in-process Transport instances together.
// Broadcasts are delivered synchronously to every joined node (the sender
// included, matching NATS echo behavior); requests call the target node's
// handler directly.
type LoopbackNetwork struct {
	lock  sync.RWMutex
	nodes map[string]*loopbackNode
}

// loopbackNode implements Transport against a LoopbackNetwork
type loopbackNode struct {
	common.Component
	name       string
	network    *LoopbackNetwork
	lock       sync.RWMutex
	bcHandlers map[string][]BroadcastHandler
	reqHandler RequestHandler
	ctxt       context.Context
}

// GetLoopbackNetwork define a new in-process cluster network
func GetLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[string]*loopbackNode)}
}

// Join add a node to the network and return its Transport
func (n *LoopbackNetwork) Join(ctxt context.Context, nodeName string) (Transport, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if _, ok := n.nodes[nodeName]; ok {
		return nil, fmt.Errorf("node %s already joined", nodeName)
	}
	logTags := log.Fields{
		"module":    "cluster",
		"component": "loopback-transport",
		"instance":  nodeName,
	}
	node := &loopbackNode{
		Component:  common.Component{LogTags: logTags},
		name:       nodeName,
		network:    n,
		bcHandlers: make(map[string][]BroadcastHandler),
		ctxt:       ctxt,
	}
	n.nodes[nodeName] = node
	return node, nil
}

// NodeName the name this node is reachable under
func (t *loopbackNode) NodeName() string {
	return t.name
}

// Broadcast fan a payload out to every node on a channel
func (t *loopbackNode) Broadcast(ctxt context.Context, channel string, payload []byte) error {
	t.network.lock.RLock()
	targets := make([]*loopbackNode, 0, len(t.network.nodes))
	for _, node := range t.network.nodes {
		targets = append(targets, node)
	}
	t.network.lock.RUnlock()
	for _, node := range targets {
		node.deliverBroadcast(channel, payload)
	}
	return nil
}

func (t *loopbackNode) deliverBroadcast(channel string, payload []byte) {
	t.lock.RLock()
	handlers := t.bcHandlers[channel]
	t.lock.RUnlock()
	for _, handler := range handlers {
		handler(t.ctxt, payload)
	}
}

// SubscribeBroadcast register a handler for payloads broadcast on a channel
func (t *loopbackNode) SubscribeBroadcast(
	channel string, handler BroadcastHandler, wg *sync.WaitGroup,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.bcHandlers[channel] = append(t.bcHandlers[channel], handler)
	return nil
}

// Request send a payload to one node and wait for its response
func (t *loopbackNode) Request(
	ctxt context.Context, targetNode string, payload []byte,
) ([]byte, error) {
	t.network.lock.RLock()
	target, ok := t.network.nodes[targetNode]
	t.network.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node %s", targetNode)
	}
	target.lock.RLock()
	handler := target.reqHandler
	target.lock.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("node %s is not serving requests", targetNode)
	}
	return handler(ctxt, payload)
}

// ServeNodeRequests register the handler answering requests aimed at this node
func (t *loopbackNode) ServeNodeRequests(handler RequestHandler, wg *sync.WaitGroup) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.reqHandler != nil {
		return fmt.Errorf("already serving node requests for %s", t.name)
	}
	t.reqHandler = handler
	return nil
}
