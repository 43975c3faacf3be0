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

// managerTestNode one node's worth of gateway machinery on a loopback network
type managerTestNode struct {
	registry subscription.Registry
	store    metadata.Store
	index    metadata.Index
	manager  SessionManager
	ingest   EventIngest
}

func defineManagerTestNode(
	t *testing.T,
	utCtxt context.Context,
	network *cluster.LoopbackNetwork,
	nodeName string,
	metadataConfig common.MetadataConfig,
	wg *sync.WaitGroup,
) *managerTestNode {
	assert := assert.New(t)

	transport, err := network.Join(utCtxt, nodeName)
	assert.Nil(err)
	registry, err := subscription.GetRegistry(nodeName)
	assert.Nil(err)
	store, err := metadata.GetMetadataStore(nodeName, metadataConfig)
	assert.Nil(err)
	index, err := metadata.GetMetadataIndex(store, transport, time.Second)
	assert.Nil(err)
	assert.Nil(index.Start(wg))
	sessionConfig := common.SessionConfig{
		HeartbeatInterval:           30,
		SubscriptionRefreshInterval: 60,
		MailboxSize:                 16,
		MatchWorkers:                2,
	}
	manager, err := GetSessionManager(
		utCtxt, transport, registry, store, index, sessionConfig, metadataConfig, wg,
	)
	assert.Nil(err)
	assert.Nil(manager.Start(wg))
	ingest, err := GetEventIngest(utCtxt, transport, registry, manager, sessionConfig)
	assert.Nil(err)
	assert.Nil(ingest.Start(wg))

	return &managerTestNode{
		registry: registry, store: store, index: index, manager: manager, ingest: ingest,
	}
}

func TestSessionManagerBasicOperation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	network := cluster.GetLoopbackNetwork()
	metadataConfig := common.MetadataConfig{IndexedFields: []string{"userid"}}
	node := defineManagerTestNode(t, utCtxt, network, "node-0", metadataConfig, wg)

	// Case 1: sessions are tracked by token
	sink := newTestFrameSink()
	session, err := node.manager.NewSession(utCtxt, sink)
	assert.Nil(err)
	fetched, ok := node.manager.GetSession(session.ConnToken())
	assert.True(ok)
	assert.Equal(session.ConnToken(), fetched.ConnToken())
	_, ok = node.manager.GetSession(uuid.New().String())
	assert.False(ok)

	// Case 2: metadata updates on an unknown token are rejected
	assert.NotNil(node.manager.ApplyMetadataUpdate(
		utCtxt, uuid.New().String(), map[string]string{"userid": "user-1"},
	))

	// Case 3: a closed session is forgotten
	assert.Nil(session.Activate(nil, utCtxt))
	assert.Nil(session.Close(utCtxt))
	select {
	case <-session.Done():
	case <-time.After(time.Second):
		assert.FailNow("session did not reach CLOSED")
	}
	assert.Eventually(func() bool {
		_, ok := node.manager.GetSession(session.ConnToken())
		return !ok
	}, time.Second, time.Millisecond*10)
}

func TestSessionManagerClusterKill(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	network := cluster.GetLoopbackNetwork()
	metadataConfig := common.MetadataConfig{IndexedFields: []string{"userid"}}
	node0 := defineManagerTestNode(t, utCtxt, network, "node-0", metadataConfig, wg)
	node1 := defineManagerTestNode(t, utCtxt, network, "node-1", metadataConfig, wg)

	// Session lives on node-1
	sink := newTestFrameSink()
	session, err := node1.manager.NewSession(utCtxt, sink)
	assert.Nil(err)
	assert.Nil(session.Activate(nil, utCtxt))

	// Case 1: kill requested through node-0 reaches the session on node-1
	assert.Nil(node0.manager.KillSession(utCtxt, session.ConnToken(), "operator request"))
	select {
	case <-session.Done():
	case <-time.After(time.Second):
		assert.FailNow("session did not reach CLOSED")
	}
	select {
	case reason := <-sink.closes:
		assert.Equal("session killed: operator request", reason)
	default:
		assert.FailNow("no close frame sent")
	}

	// Case 2: killing an unknown token is a no-op cluster-wide
	assert.Nil(node0.manager.KillSession(utCtxt, uuid.New().String(), "nobody home"))
}

func TestSessionManagerMetadataSupersede(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	network := cluster.GetLoopbackNetwork()
	metadataConfig := common.MetadataConfig{
		IndexedFields:  []string{"userid"},
		SupersedeField: "userid",
	}
	node0 := defineManagerTestNode(t, utCtxt, network, "node-0", metadataConfig, wg)
	node1 := defineManagerTestNode(t, utCtxt, network, "node-1", metadataConfig, wg)

	// Older session on node-0
	olderSink := newTestFrameSink()
	older, err := node0.manager.NewSession(utCtxt, olderSink)
	assert.Nil(err)
	assert.Nil(older.Activate(nil, utCtxt))
	assert.Nil(node0.manager.ApplyMetadataUpdate(
		utCtxt, older.ConnToken(), map[string]string{"userid": "user-1"},
	))

	// Case 1: the index entry is visible on the other node
	assert.Eventually(func() bool {
		return len(node1.index.LookupByIndex("userid", "user-1")) == 1
	}, time.Second, time.Millisecond*10)

	// Newer session for the same user connects through node-1
	newerSink := newTestFrameSink()
	newer, err := node1.manager.NewSession(utCtxt, newerSink)
	assert.Nil(err)
	assert.Nil(newer.Activate(nil, utCtxt))

	// Case 2: updating metadata on the newer session kills the older one
	assert.Nil(node1.manager.ApplyMetadataUpdate(
		utCtxt, newer.ConnToken(), map[string]string{"userid": "user-1"},
	))
	select {
	case <-older.Done():
	case <-time.After(time.Second):
		assert.FailNow("older session was not superseded")
	}
	select {
	case reason := <-olderSink.closes:
		assert.Equal("session killed: superseded by newer session for userid=user-1", reason)
	default:
		assert.FailNow("no close frame sent to older session")
	}

	// Case 3: the newer session stays up and owns the index entry
	select {
	case <-newer.Done():
		assert.FailNow("newer session should still be active")
	default:
	}
	assert.Eventually(func() bool {
		entries := node0.index.LookupByIndex("userid", "user-1")
		return len(entries) == 1 && entries[0].ConnToken == newer.ConnToken()
	}, time.Second, time.Millisecond*10)
}

func TestEventIngestDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	network := cluster.GetLoopbackNetwork()
	metadataConfig := common.MetadataConfig{IndexedFields: []string{"userid"}}
	node0 := defineManagerTestNode(t, utCtxt, network, "node-0", metadataConfig, wg)
	node1 := defineManagerTestNode(t, utCtxt, network, "node-1", metadataConfig, wg)

	// Subscriber on node-1
	subSink := newTestFrameSink()
	subscriber, err := node1.manager.NewSession(utCtxt, subSink)
	assert.Nil(err)
	assert.Nil(subscriber.Activate(
		[]subscription.Selector{{Type: "order.created"}}, utCtxt,
	))

	// Bystander on node-1 with a different subscription
	otherSink := newTestFrameSink()
	other, err := node1.manager.NewSession(utCtxt, otherSink)
	assert.Nil(err)
	assert.Nil(other.Activate(
		[]subscription.Selector{{Type: "shipment.sent"}}, utCtxt,
	))

	// Case 1: events without required attributes are rejected at ingest
	assert.NotNil(node0.ingest.Publish(utCtxt, common.CloudEvent{
		ID: uuid.New().String(), Type: "order.created",
	}))

	// Case 2: publish through node-0 reaches the subscriber on node-1 only
	payload := json.RawMessage(`{"order":"o-1"}`)
	assert.Nil(node0.ingest.Publish(utCtxt, common.CloudEvent{
		ID: uuid.New().String(), Type: "order.created", Source: "billing", JSON: payload,
	}))
	select {
	case received := <-subSink.events:
		assert.Equal([]byte(payload), received)
	case <-time.After(time.Second):
		assert.FailNow("event was not delivered")
	}
	select {
	case <-otherSink.events:
		assert.FailNow("event reached an unsubscribed session")
	case <-time.After(time.Millisecond * 100):
	}

	assert.Nil(subscriber.Close(utCtxt))
	assert.Nil(other.Close(utCtxt))
}
