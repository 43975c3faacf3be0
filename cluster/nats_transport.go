package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsTransport implements Transport on top of core NATS subjects
type natsTransport struct {
	common.Component
	nodeName      string
	subjectPrefix string
	nats          *core.NatsClient
	servingReqs   bool
	lock          *sync.Mutex
	ctxt          context.Context
}

// GetNatsTransport define a NATS backed cluster transport
func GetNatsTransport(
	ctxt context.Context, natsClient *core.NatsClient, subjectPrefix, nodeName string,
) (Transport, error) {
	if subjectPrefix == "" || nodeName == "" {
		return nil, fmt.Errorf("cluster transport needs both a subject prefix and a node name")
	}
	logTags := log.Fields{
		"module":    "cluster",
		"component": "nats-transport",
		"instance":  nodeName,
	}
	return &natsTransport{
		Component:     common.Component{LogTags: logTags},
		nodeName:      nodeName,
		subjectPrefix: subjectPrefix,
		nats:          natsClient,
		servingReqs:   false,
		lock:          &sync.Mutex{},
		ctxt:          ctxt,
	}, nil
}

// broadcastSubject helper function to define the NATS subject of a broadcast channel
func (t *natsTransport) broadcastSubject(channel string) string {
	return fmt.Sprintf("%s.broadcast.%s", t.subjectPrefix, channel)
}

// nodeSubject helper function to define the request inbox subject of a node
func (t *natsTransport) nodeSubject(nodeName string) string {
	return fmt.Sprintf("%s.node.%s", t.subjectPrefix, nodeName)
}

// NodeName the name this node is reachable under
func (t *natsTransport) NodeName() string {
	return t.nodeName
}

// Broadcast fan a payload out to every node on a channel
func (t *natsTransport) Broadcast(ctxt context.Context, channel string, payload []byte) error {
	subject := t.broadcastSubject(channel)
	if err := t.nats.NATs().Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to broadcast on %s", subject)
		return err
	}
	log.WithFields(t.LogTags).Debugf("Broadcast %dB on %s", len(payload), subject)
	return nil
}

// SubscribeBroadcast register a handler for payloads broadcast on a channel
func (t *natsTransport) SubscribeBroadcast(
	channel string, handler BroadcastHandler, wg *sync.WaitGroup,
) error {
	subject := t.broadcastSubject(channel)
	sub, err := t.nats.NATs().Subscribe(subject, func(msg *nats.Msg) {
		handler(t.ctxt, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Failed to subscribe to broadcast channel %s", subject,
		)
		return err
	}
	// Automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-t.ctxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Error occurred when unsubscribing from broadcast channel %s", subject,
			)
		}
		log.WithFields(t.LogTags).Infof("Unsubscribed from broadcast channel %s", subject)
	}()
	return nil
}

// Request send a payload to one node and wait for its response
func (t *natsTransport) Request(
	ctxt context.Context, targetNode string, payload []byte,
) ([]byte, error) {
	subject := t.nodeSubject(targetNode)
	resp, err := t.nats.NATs().RequestWithContext(ctxt, subject, payload)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Request to %s failed", subject)
		return nil, err
	}
	return resp.Data, nil
}

// ServeNodeRequests register the handler answering requests aimed at this node
func (t *natsTransport) ServeNodeRequests(handler RequestHandler, wg *sync.WaitGroup) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.servingReqs {
		return fmt.Errorf("already serving node requests for %s", t.nodeName)
	}
	t.servingReqs = true
	subject := t.nodeSubject(t.nodeName)
	sub, err := t.nats.NATs().Subscribe(subject, func(msg *nats.Msg) {
		resp, err := handler(t.ctxt, msg.Data)
		if err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Node request handler failed on %s", subject,
			)
			return
		}
		if err := msg.Respond(resp); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Failed to answer node request on %s", subject,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Failed to subscribe to node inbox %s", subject,
		)
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-t.ctxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Error occurred when unsubscribing from node inbox %s", subject,
			)
		}
		log.WithFields(t.LogTags).Infof("Unsubscribed from node inbox %s", subject)
	}()
	return nil
}
