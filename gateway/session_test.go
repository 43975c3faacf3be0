package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/evgate/cluster"
	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/metadata"
	"github.com/alwitt/evgate/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// testFrameSink records session output on channels for test inspection
type testFrameSink struct {
	events chan []byte
	pings  chan bool
	closes chan string
}

func newTestFrameSink() *testFrameSink {
	return &testFrameSink{
		events: make(chan []byte, 8),
		pings:  make(chan bool, 8),
		closes: make(chan string, 8),
	}
}

func (s *testFrameSink) SendEvent(ctxt context.Context, payload []byte) error {
	s.events <- payload
	return nil
}

func (s *testFrameSink) SendPing(ctxt context.Context) error {
	s.pings <- true
	return nil
}

func (s *testFrameSink) SendClose(ctxt context.Context, reason string) error {
	s.closes <- reason
	return nil
}

func defineSessionTestEnv(
	t *testing.T, utCtxt context.Context, wg *sync.WaitGroup,
) (subscription.Registry, metadata.Store, metadata.Index) {
	assert := assert.New(t)

	network := cluster.GetLoopbackNetwork()
	transport, err := network.Join(utCtxt, "unit-test")
	assert.Nil(err)
	registry, err := subscription.GetRegistry("unit-test")
	assert.Nil(err)
	store, err := metadata.GetMetadataStore("unit-test", common.MetadataConfig{
		IndexedFields: []string{"userid"},
	})
	assert.Nil(err)
	index, err := metadata.GetMetadataIndex(store, transport, time.Second)
	assert.Nil(err)
	assert.Nil(index.Start(wg))

	return registry, store, index
}

func TestSessionActivation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	registry, store, index := defineSessionTestEnv(t, utCtxt, wg)

	testToken := uuid.New().String()
	sink := newTestFrameSink()
	uut, err := GetSession(
		utCtxt, testToken, sink, registry, store, index,
		common.SessionConfig{
			HeartbeatInterval:           30,
			SubscriptionRefreshInterval: 60,
			MailboxSize:                 16,
			MatchWorkers:                2,
		}, wg,
	)
	assert.Nil(err)
	assert.Equal(testToken, uut.ConnToken())

	testEvent := common.CloudEvent{
		ID: uuid.New().String(), Type: "order.created", Source: "billing",
		JSON: json.RawMessage(`{"order":"o-1"}`),
	}

	// Case 1: not matched before activation
	assert.Empty(registry.Match(testEvent))

	// Case 2: activation applies the initial subscription set
	assert.Nil(uut.Activate(
		[]subscription.Selector{{Type: "order.created"}}, utCtxt,
	))
	assert.Equal([]string{testToken}, registry.Match(testEvent))

	// Case 3: second activation is rejected
	assert.NotNil(uut.Activate(nil, utCtxt))

	// Case 4: normal close deregisters the session
	assert.Nil(uut.Close(utCtxt))
	select {
	case <-uut.Done():
	case <-time.After(time.Second):
		assert.FailNow("session did not reach CLOSED")
	}
	select {
	case reason := <-sink.closes:
		assert.Equal("session closed", reason)
	default:
		assert.FailNow("no close frame sent")
	}
	assert.Empty(registry.Match(testEvent))
}

func TestSessionEventDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	registry, store, index := defineSessionTestEnv(t, utCtxt, wg)

	testToken := uuid.New().String()
	sink := newTestFrameSink()
	uut, err := GetSession(
		utCtxt, testToken, sink, registry, store, index,
		common.SessionConfig{
			HeartbeatInterval:           30,
			SubscriptionRefreshInterval: 60,
			MailboxSize:                 16,
			MatchWorkers:                2,
		}, wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Activate(
		[]subscription.Selector{{Type: "order.created"}}, utCtxt,
	))

	// Case 1: the event payload reaches the sink byte for byte
	payload := json.RawMessage(`{"specversion":"1.0","id":"e-1","order":"o-1"}`)
	assert.Nil(uut.OnEvent(common.CloudEvent{
		ID: "e-1", Type: "order.created", Source: "billing", JSON: payload,
	}, utCtxt))
	select {
	case received := <-sink.events:
		assert.Equal([]byte(payload), received)
	case <-time.After(time.Second):
		assert.FailNow("event was not delivered")
	}

	// Case 2: pong frames are absorbed without output
	assert.Nil(uut.HandleInboundFrame(InboundFrame{IsPong: true}, utCtxt))
	assert.Empty(sink.events)
	assert.Empty(sink.closes)

	// Case 3: a data frame from the client terminates the session
	assert.Nil(uut.HandleInboundFrame(
		InboundFrame{Payload: []byte(`{"hello":"world"}`)}, utCtxt,
	))
	select {
	case <-uut.Done():
	case <-time.After(time.Second):
		assert.FailNow("session did not reach CLOSED")
	}
	select {
	case reason := <-sink.closes:
		assert.Equal("data frames not accepted on this channel", reason)
	default:
		assert.FailNow("no close frame sent")
	}
}

func TestSessionSubscriptionChange(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	registry, store, index := defineSessionTestEnv(t, utCtxt, wg)

	testToken := uuid.New().String()
	sink := newTestFrameSink()
	uut, err := GetSession(
		utCtxt, testToken, sink, registry, store, index,
		common.SessionConfig{
			HeartbeatInterval:           30,
			SubscriptionRefreshInterval: 60,
			MailboxSize:                 16,
			MatchWorkers:                2,
		}, wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Activate(
		[]subscription.Selector{{Type: "order.created"}}, utCtxt,
	))

	// Case 1: the replacement set takes effect and is confirmed to the client
	newSet := []subscription.Selector{{Type: "shipment.sent", Source: "shipping"}}
	assert.Nil(uut.OnSubscriptionsChanged(newSet, utCtxt))
	assert.Empty(registry.Match(common.CloudEvent{
		ID: "e-1", Type: "order.created", Source: "billing", JSON: json.RawMessage(`{}`),
	}))
	assert.Equal([]string{testToken}, registry.Match(common.CloudEvent{
		ID: "e-2", Type: "shipment.sent", Source: "shipping", JSON: json.RawMessage(`{}`),
	}))
	select {
	case received := <-sink.events:
		var confirmation subscriptionConfirmation
		assert.Nil(json.Unmarshal(received, &confirmation))
		assert.Equal("subscription.confirmation", confirmation.Type)
		assert.Equal(newSet, confirmation.Subscriptions)
	case <-time.After(time.Second):
		assert.FailNow("no confirmation frame sent")
	}

	// Case 2: invalid selectors are rejected, set unchanged
	assert.NotNil(uut.OnSubscriptionsChanged(
		[]subscription.Selector{{Source: "shipping"}}, utCtxt,
	))
	assert.Equal([]string{testToken}, registry.Match(common.CloudEvent{
		ID: "e-3", Type: "shipment.sent", Source: "shipping", JSON: json.RawMessage(`{}`),
	}))

	assert.Nil(uut.Close(utCtxt))
}

func TestSessionKill(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	registry, store, index := defineSessionTestEnv(t, utCtxt, wg)

	testToken := uuid.New().String()
	sink := newTestFrameSink()
	uut, err := GetSession(
		utCtxt, testToken, sink, registry, store, index,
		common.SessionConfig{
			HeartbeatInterval:           30,
			SubscriptionRefreshInterval: 60,
			MailboxSize:                 16,
			MatchWorkers:                2,
		}, wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Activate(nil, utCtxt))

	// Case 1: a kill closes the session with the given reason
	assert.Nil(uut.OnSessionKilled("operator request", utCtxt))
	select {
	case <-uut.Done():
	case <-time.After(time.Second):
		assert.FailNow("session did not reach CLOSED")
	}
	select {
	case reason := <-sink.closes:
		assert.Equal("session killed: operator request", reason)
	default:
		assert.FailNow("no close frame sent")
	}

	// Case 2: a second kill fails, the task queue is gone
	killCtxt, killCancel := context.WithTimeout(utCtxt, time.Millisecond*100)
	defer killCancel()
	assert.NotNil(uut.OnSessionKilled("again", killCtxt))
}

func TestSessionTeardownRetiresMetadata(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	registry, store, index := defineSessionTestEnv(t, utCtxt, wg)

	testToken := uuid.New().String()
	sink := newTestFrameSink()
	uut, err := GetSession(
		utCtxt, testToken, sink, registry, store, index,
		common.SessionConfig{
			HeartbeatInterval:           30,
			SubscriptionRefreshInterval: 60,
			MailboxSize:                 16,
			MatchWorkers:                2,
		}, wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Activate(nil, utCtxt))

	// Publish metadata for the session
	_, toSet, toRetire, err := store.SetMetadata(
		utCtxt, testToken, map[string]string{"userid": "user-1"},
	)
	assert.Nil(err)
	assert.Empty(toRetire)
	assert.Nil(index.PropagateSet(utCtxt, toSet))
	assert.Len(index.LookupByIndex("userid", "user-1"), 1)

	// Case 1: closing the session clears its record and index entries
	assert.Nil(uut.Close(utCtxt))
	select {
	case <-uut.Done():
	case <-time.After(time.Second):
		assert.FailNow("session did not reach CLOSED")
	}
	_, found := store.GetRecord(testToken)
	assert.False(found)
	assert.Empty(index.LookupByIndex("userid", "user-1"))
}

func TestSessionHeartbeat(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	registry, store, index := defineSessionTestEnv(t, utCtxt, wg)

	testToken := uuid.New().String()
	sink := newTestFrameSink()
	uut, err := GetSession(
		utCtxt, testToken, sink, registry, store, index,
		common.SessionConfig{
			HeartbeatInterval:           1,
			SubscriptionRefreshInterval: 60,
			MailboxSize:                 16,
			MatchWorkers:                2,
		}, wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Activate(nil, utCtxt))

	// Case 1: pings arrive on the heartbeat interval without any pong
	select {
	case <-sink.pings:
	case <-time.After(time.Second * 2):
		assert.FailNow("no heartbeat ping observed")
	}
	select {
	case <-sink.pings:
	case <-time.After(time.Second * 2):
		assert.FailNow("heartbeat did not recur")
	}

	assert.Nil(uut.Close(utCtxt))
}

func TestSessionPeriodicRefresh(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	registry, store, index := defineSessionTestEnv(t, utCtxt, wg)

	testToken := uuid.New().String()
	sink := newTestFrameSink()
	uut, err := GetSession(
		utCtxt, testToken, sink, registry, store, index,
		common.SessionConfig{
			HeartbeatInterval:           30,
			SubscriptionRefreshInterval: 1,
			MailboxSize:                 16,
			MatchWorkers:                2,
		}, wg,
	)
	assert.Nil(err)
	assert.Nil(uut.Activate(
		[]subscription.Selector{{Type: "order.created"}}, utCtxt,
	))

	testEvent := common.CloudEvent{
		ID: uuid.New().String(), Type: "order.created", Source: "billing",
		JSON: json.RawMessage(`{"order":"o-1"}`),
	}
	assert.Equal([]string{testToken}, registry.Match(testEvent))

	// Case 1: registry drift is repaired by the periodic cycle
	registry.DeregisterAll(testToken)
	assert.Empty(registry.Match(testEvent))
	assert.Eventually(func() bool {
		return len(registry.Match(testEvent)) == 1
	}, time.Second*3, time.Millisecond*50)
	assert.Equal([]string{testToken}, registry.Match(testEvent))

	// Case 2: the silent cycle sends no confirmation frame
	select {
	case <-sink.events:
		assert.FailNow("periodic cycle produced a frame")
	default:
	}

	assert.Nil(uut.Close(utCtxt))
}
