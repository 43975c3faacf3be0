// Package gateway implements the per-connection session machinery: the
// session state machine, the session manager, cluster event ingest, and
// connection bootstrap.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/metadata"
	"github.com/alwitt/evgate/subscription"
	"github.com/apex/log"
)

// SessionState state of one connection session
type SessionState int

const (
	// SessionInitializing transport handshake and bootstrap in progress
	SessionInitializing SessionState = iota
	// SessionActive session is serving the client
	SessionActive
	// SessionClosing teardown started, no further client traffic accepted
	SessionClosing
	// SessionClosed terminal state
	SessionClosed
)

// String implements toString
func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "INITIALIZING"
	case SessionActive:
		return "ACTIVE"
	case SessionClosing:
		return "CLOSING"
	case SessionClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// InboundFrame one decoded frame received from the client transport
type InboundFrame struct {
	// IsPong frame is a heartbeat acknowledgment
	IsPong bool
	// Payload data frame content, if any
	Payload []byte
}

// FrameSink transport-side output of a session. Implementations frame and
// write to the actual wire.
type FrameSink interface {
	// SendEvent write one event payload as a single frame, verbatim
	SendEvent(ctxt context.Context, payload []byte) error
	// SendPing write a heartbeat ping frame
	SendPing(ctxt context.Context) error
	// SendClose write a close frame with a short reason, then halt the sink
	SendClose(ctxt context.Context, reason string) error
}

// Session one connection's protocol state machine. All mutation funnels
// through the session's own task queue, so handlers never race each other.
type Session interface {
	// ConnToken the session's connection token
	ConnToken() string
	// Activate finish bootstrap and begin serving. The initial subscription
	// set comes from connection setup.
	Activate(initialSubs []subscription.Selector, ctxt context.Context) error
	// HandleInboundFrame process one frame from the client. Data frames are
	// a protocol violation on this channel.
	HandleInboundFrame(frame InboundFrame, ctxt context.Context) error
	// OnEvent deliver one matched event to the client
	OnEvent(event common.CloudEvent, ctxt context.Context) error
	// OnSubscriptionsChanged replace the session's subscription set and
	// confirm the new set to the client
	OnSubscriptionsChanged(newSet []subscription.Selector, ctxt context.Context) error
	// OnSessionKilled force-terminate the session with a reason
	OnSessionKilled(reason string, ctxt context.Context) error
	// Close tear the session down normally
	Close(ctxt context.Context) error
	// Done closed once the session reaches CLOSED
	Done() <-chan struct{}
}

// sessionImpl implements Session
type sessionImpl struct {
	common.Component
	connToken string
	state     SessionState
	baseCtxt  context.Context
	config    common.SessionConfig
	sink      FrameSink
	registry  subscription.Registry
	store     metadata.Store
	index     metadata.Index
	tp        common.TaskProcessor
	heartbeat common.IntervalTimer
	refresh   common.IntervalTimer
	// currentSubs the subscription set as last applied to the registry
	currentSubs []subscription.Selector
	// pongSeen client responded to a ping since the last one was sent
	pongSeen bool
	done     chan struct{}
}

// GetSession define a new connection session in INITIALIZING state
func GetSession(
	ctxt context.Context,
	connToken string,
	sink FrameSink,
	registry subscription.Registry,
	store metadata.Store,
	index metadata.Index,
	config common.SessionConfig,
	wg *sync.WaitGroup,
) (Session, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "session", "instance": connToken,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("session-%s", connToken), config.MailboxSize, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	heartbeat, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("session-%s-heartbeat", connToken), ctxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat timer")
		return nil, err
	}
	refresh, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("session-%s-refresh", connToken), ctxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define refresh timer")
		return nil, err
	}
	instance := &sessionImpl{
		Component:   common.Component{LogTags: logTags},
		connToken:   connToken,
		state:       SessionInitializing,
		baseCtxt:    ctxt,
		config:      config,
		sink:        sink,
		registry:    registry,
		store:       store,
		index:       index,
		tp:          tp,
		heartbeat:   heartbeat,
		refresh:     refresh,
		currentSubs: []subscription.Selector{},
		done:        make(chan struct{}),
	}

	// Define task execution map
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(sessionActivateReq{}):    instance.processActivate,
		reflect.TypeOf(sessionInboundReq{}):     instance.processInboundFrame,
		reflect.TypeOf(sessionEventReq{}):       instance.processEvent,
		reflect.TypeOf(sessionRefreshReq{}):     instance.processRefresh,
		reflect.TypeOf(sessionHeartbeatReq{}):   instance.processHeartbeat,
		reflect.TypeOf(sessionTerminationReq{}): instance.processTermination,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task execution map")
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start task processing")
		return nil, err
	}
	return instance, nil
}

// ConnToken the session's connection token
func (s *sessionImpl) ConnToken() string {
	return s.connToken
}

// Done closed once the session reaches CLOSED
func (s *sessionImpl) Done() <-chan struct{} {
	return s.done
}

// ----------------------------------------------------------------------------------------
// Activation

type sessionActivateReq struct {
	initialSubs []subscription.Selector
	resultCB    func(err error)
}

// Activate finish bootstrap and begin serving
func (s *sessionImpl) Activate(
	initialSubs []subscription.Selector, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	request := sessionActivateReq{
		initialSubs: initialSubs,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := s.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to submit activate request")
		return err
	}
	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

func (s *sessionImpl) processActivate(param interface{}) error {
	request, ok := param.(sessionActivateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for activate session", reflect.TypeOf(param),
		)
	}
	err := s.handleActivate(request.initialSubs)
	request.resultCB(err)
	return err
}

func (s *sessionImpl) handleActivate(initialSubs []subscription.Selector) error {
	if s.state != SessionInitializing {
		return fmt.Errorf("session %s can not activate from state %s", s.connToken, s.state)
	}
	if _, _, err := s.registry.RefreshSubscriptions(
		s.connToken, initialSubs, nil,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to apply initial subscriptions")
		return err
	}
	s.currentSubs = initialSubs
	s.state = SessionActive
	if err := s.heartbeat.Start(
		time.Second*time.Duration(s.config.HeartbeatInterval),
		s.requestHeartbeat,
		false,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start heartbeat timer")
		return err
	}
	if err := s.refresh.Start(
		time.Second*time.Duration(s.config.SubscriptionRefreshInterval),
		s.requestPeriodicRefresh,
		false,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start refresh timer")
		return err
	}
	log.WithFields(s.LogTags).Infof(
		"Session active with %d initial subscriptions", len(initialSubs),
	)
	return nil
}

// ----------------------------------------------------------------------------------------
// Inbound frames

type sessionInboundReq struct {
	frame    InboundFrame
	resultCB func(err error)
}

// HandleInboundFrame process one frame from the client
func (s *sessionImpl) HandleInboundFrame(frame InboundFrame, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	request := sessionInboundReq{
		frame: frame,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := s.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to submit inbound frame")
		return err
	}
	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

func (s *sessionImpl) processInboundFrame(param interface{}) error {
	request, ok := param.(sessionInboundReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for inbound frame", reflect.TypeOf(param),
		)
	}
	err := s.handleInboundFrame(request.frame)
	request.resultCB(err)
	return err
}

func (s *sessionImpl) handleInboundFrame(frame InboundFrame) error {
	if s.state != SessionActive {
		return nil
	}
	if frame.IsPong {
		s.pongSeen = true
		return nil
	}
	// This channel carries server push and heartbeat acks only
	log.WithFields(s.LogTags).Warnf(
		"Closing on unexpected client data frame of %d bytes", len(frame.Payload),
	)
	s.terminate("data frames not accepted on this channel")
	return nil
}

// ----------------------------------------------------------------------------------------
// Event delivery

type sessionEventReq struct {
	event common.CloudEvent
}

// OnEvent deliver one matched event to the client. A full mailbox means the
// client is not draining; the event is dropped so delivery to other sessions
// is never held up behind this one.
func (s *sessionImpl) OnEvent(event common.CloudEvent, ctxt context.Context) error {
	return s.tp.TrySubmit(sessionEventReq{event: event})
}

func (s *sessionImpl) processEvent(param interface{}) error {
	request, ok := param.(sessionEventReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for event delivery", reflect.TypeOf(param),
		)
	}
	if s.state != SessionActive {
		return nil
	}
	// Pass the pre-serialized payload through bit-exact
	if err := s.sink.SendEvent(s.baseCtxt, request.event.JSON); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to push %s to client", request.event,
		)
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------------------
// Subscription refresh

type sessionRefreshReq struct {
	newSet []subscription.Selector
	// confirm echo the applied set back to the client
	confirm  bool
	resultCB func(err error)
}

// subscriptionConfirmation frame sent to the client after an explicit
// subscription change
type subscriptionConfirmation struct {
	Type          string                  `json:"type"`
	Subscriptions []subscription.Selector `json:"subscriptions"`
}

// OnSubscriptionsChanged replace the session's subscription set
func (s *sessionImpl) OnSubscriptionsChanged(
	newSet []subscription.Selector, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	var processError error
	request := sessionRefreshReq{
		newSet:  newSet,
		confirm: true,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := s.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to submit subscription change")
		return err
	}
	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

// requestPeriodicRefresh re-assert the current set against the registry.
// Self-healing against missed or duplicated updates; no client confirmation.
func (s *sessionImpl) requestPeriodicRefresh() error {
	request := sessionRefreshReq{confirm: false, resultCB: func(err error) {}}
	return s.tp.Submit(request, s.baseCtxt)
}

func (s *sessionImpl) processRefresh(param interface{}) error {
	request, ok := param.(sessionRefreshReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscription refresh", reflect.TypeOf(param),
		)
	}
	err := s.handleRefresh(request)
	request.resultCB(err)
	return err
}

func (s *sessionImpl) handleRefresh(request sessionRefreshReq) error {
	if s.state != SessionActive {
		return fmt.Errorf("session %s is not active", s.connToken)
	}
	newSet := request.newSet
	oldSet := s.currentSubs
	if !request.confirm {
		// Periodic re-assertion of the current set
		newSet = s.currentSubs
		oldSet = nil
	}
	added, removed, err := s.registry.RefreshSubscriptions(s.connToken, newSet, oldSet)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Subscription refresh failed")
		return err
	}
	s.currentSubs = newSet
	log.WithFields(s.LogTags).Debugf(
		"Subscriptions refreshed: %d added, %d removed", len(added), len(removed),
	)
	if !request.confirm {
		return nil
	}
	confirmation, err := json.Marshal(&subscriptionConfirmation{
		Type: "subscription.confirmation", Subscriptions: newSet,
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize confirmation")
		return err
	}
	if err := s.sink.SendEvent(s.baseCtxt, confirmation); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to confirm subscriptions")
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------------------
// Heartbeat

type sessionHeartbeatReq struct{}

func (s *sessionImpl) requestHeartbeat() error {
	return s.tp.Submit(sessionHeartbeatReq{}, s.baseCtxt)
}

func (s *sessionImpl) processHeartbeat(param interface{}) error {
	if _, ok := param.(sessionHeartbeatReq); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for heartbeat", reflect.TypeOf(param),
		)
	}
	if s.state != SessionActive {
		return nil
	}
	// Pings continue regardless of whether earlier ones were acknowledged
	s.pongSeen = false
	if err := s.sink.SendPing(s.baseCtxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to send heartbeat ping")
		return err
	}
	return nil
}

// ----------------------------------------------------------------------------------------
// Termination

type sessionTerminationReq struct {
	reason   string
	resultCB func(err error)
}

// OnSessionKilled force-terminate the session with a reason
func (s *sessionImpl) OnSessionKilled(reason string, ctxt context.Context) error {
	return s.submitTermination(fmt.Sprintf("session killed: %s", reason), ctxt)
}

// Close tear the session down normally
func (s *sessionImpl) Close(ctxt context.Context) error {
	return s.submitTermination("session closed", ctxt)
}

func (s *sessionImpl) submitTermination(reason string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	request := sessionTerminationReq{
		reason: reason,
		resultCB: func(err error) {
			processError = err
			complete <- true
		},
	}
	if err := s.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to submit termination request")
		return err
	}
	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

func (s *sessionImpl) processTermination(param interface{}) error {
	request, ok := param.(sessionTerminationReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for termination", reflect.TypeOf(param),
		)
	}
	err := s.terminate(request.reason)
	request.resultCB(err)
	return err
}

// terminate run the CLOSING => CLOSED transition. Timers are stopped before
// resources are released so neither can fire into a dead session.
func (s *sessionImpl) terminate(reason string) error {
	if s.state == SessionClosing || s.state == SessionClosed {
		return nil
	}
	s.state = SessionClosing
	if err := s.heartbeat.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop heartbeat timer")
	}
	if err := s.refresh.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop refresh timer")
	}
	if err := s.sink.SendClose(s.baseCtxt, reason); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to send close frame")
	}
	s.registry.DeregisterAll(s.connToken)
	retired, err := s.store.ClearRecord(s.baseCtxt, s.connToken)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to clear metadata record")
	} else if len(retired) > 0 {
		if err := s.index.PropagateRetire(s.baseCtxt, retired); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to retire index entries")
		}
	}
	s.state = SessionClosed
	close(s.done)
	log.WithFields(s.LogTags).Infof("Session closed: %s", reason)
	return s.tp.StopEventLoop()
}
