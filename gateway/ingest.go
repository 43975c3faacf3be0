package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/evgate/cluster"
	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// EventIngest accepts events from producers and routes them to the sessions
// subscribed to them. Events are broadcast cluster-wide; each node matches
// against its own registry, so a connection is reached no matter which node
// the producer hit.
type EventIngest interface {
	// Publish broadcast one event to the cluster
	Publish(ctxt context.Context, event common.CloudEvent) error
	// Start begin watching event broadcasts and delivering to local sessions
	Start(wg *sync.WaitGroup) error
}

// eventIngestImpl implements EventIngest
type eventIngestImpl struct {
	common.Component
	baseCtxt  context.Context
	transport cluster.Transport
	registry  subscription.Registry
	manager   SessionManager
	// deliveries worker pool decoupling the matching pass from slow sessions
	deliveries common.TaskProcessor
	validate   *validator.Validate
}

type eventDeliveryReq struct {
	session Session
	event   common.CloudEvent
}

// GetEventIngest define an event ingest for this node
func GetEventIngest(
	ctxt context.Context,
	transport cluster.Transport,
	registry subscription.Registry,
	manager SessionManager,
	config common.SessionConfig,
) (EventIngest, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "event-ingest", "instance": transport.NodeName(),
	}
	deliveries, err := common.GetNewTaskDemuxProcessorInstance(
		"event-deliveries", config.MailboxSize, config.MatchWorkers, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery workers")
		return nil, err
	}
	instance := &eventIngestImpl{
		Component:  common.Component{LogTags: logTags},
		baseCtxt:   ctxt,
		transport:  transport,
		registry:   registry,
		manager:    manager,
		deliveries: deliveries,
		validate:   validator.New(),
	}
	if err := deliveries.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(eventDeliveryReq{}): instance.processDelivery,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task execution map")
		return nil, err
	}
	return instance, nil
}

// Start begin watching event broadcasts and delivering to local sessions
func (e *eventIngestImpl) Start(wg *sync.WaitGroup) error {
	if err := e.deliveries.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to start delivery workers")
		return err
	}
	if err := e.transport.SubscribeBroadcast(
		cluster.ChannelEvent, e.handleEventBroadcast, wg,
	); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to watch event broadcasts")
		return err
	}
	return nil
}

// Publish broadcast one event to the cluster. The broadcast echoes back to
// this node, so local sessions are reached through the same path as remote.
func (e *eventIngestImpl) Publish(ctxt context.Context, event common.CloudEvent) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, e.LogTags)
	if err := e.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Rejected invalid event %s", event)
		return err
	}
	serialized, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	if err := e.transport.Broadcast(ctxt, cluster.ChannelEvent, serialized); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Failed to broadcast %s", event)
		return err
	}
	log.WithFields(localLogTags).Debugf("Published %s", event)
	return nil
}

// handleEventBroadcast match one event against the local registry and hand
// it to the subscribed sessions
func (e *eventIngestImpl) handleEventBroadcast(ctxt context.Context, payload []byte) {
	var event common.CloudEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Failed to read event: %s", payload)
		return
	}
	if err := e.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Failed to validate event: %s", payload)
		return
	}
	for _, connToken := range e.registry.Match(event) {
		session, ok := e.manager.GetSession(connToken)
		if !ok {
			// Matched a token whose session already closed; in-flight tail
			continue
		}
		// The matching pass must not stall behind slow sessions; on a full
		// delivery queue the event is dropped for this connection
		if err := e.deliveries.TrySubmit(
			eventDeliveryReq{session: session, event: event},
		); err != nil {
			log.WithError(err).WithFields(e.LogTags).Errorf(
				"Dropped %s for %s", event, connToken,
			)
		}
	}
}

func (e *eventIngestImpl) processDelivery(param interface{}) error {
	request, ok := param.(eventDeliveryReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for event delivery", reflect.TypeOf(param),
		)
	}
	if err := request.session.OnEvent(request.event, e.baseCtxt); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Failed to deliver %s to %s", request.event, request.session.ConnToken(),
		)
		return err
	}
	return nil
}
