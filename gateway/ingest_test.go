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

// stalledFrameSink models a peer which stopped draining; every event write
// blocks until the context ends
type stalledFrameSink struct{}

func (s stalledFrameSink) SendEvent(ctxt context.Context, payload []byte) error {
	<-ctxt.Done()
	return ctxt.Err()
}

func (s stalledFrameSink) SendPing(ctxt context.Context) error {
	return nil
}

func (s stalledFrameSink) SendClose(ctxt context.Context, reason string) error {
	return nil
}

func TestEventIngestStalledSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	network := cluster.GetLoopbackNetwork()
	transport, err := network.Join(utCtxt, "unit-test")
	assert.Nil(err)
	registry, err := subscription.GetRegistry("unit-test")
	assert.Nil(err)
	metadataConfig := common.MetadataConfig{IndexedFields: []string{"userid"}}
	store, err := metadata.GetMetadataStore("unit-test", metadataConfig)
	assert.Nil(err)
	index, err := metadata.GetMetadataIndex(store, transport, time.Second)
	assert.Nil(err)
	assert.Nil(index.Start(wg))
	// Minimal queue depth and a single delivery worker
	sessionConfig := common.SessionConfig{
		HeartbeatInterval:           30,
		SubscriptionRefreshInterval: 60,
		MailboxSize:                 1,
		MatchWorkers:                1,
	}
	manager, err := GetSessionManager(
		utCtxt, transport, registry, store, index, sessionConfig, metadataConfig, wg,
	)
	assert.Nil(err)
	assert.Nil(manager.Start(wg))
	ingest, err := GetEventIngest(utCtxt, transport, registry, manager, sessionConfig)
	assert.Nil(err)
	assert.Nil(ingest.Start(wg))

	// Session whose peer never drains event frames
	stalled, err := manager.NewSession(utCtxt, stalledFrameSink{})
	assert.Nil(err)
	assert.Nil(stalled.Activate(
		[]subscription.Selector{{Type: "order.created"}}, utCtxt,
	))

	// Healthy session on the same event type
	healthySink := &testFrameSink{
		events: make(chan []byte, 16),
		pings:  make(chan bool, 8),
		closes: make(chan string, 8),
	}
	healthy, err := manager.NewSession(utCtxt, healthySink)
	assert.Nil(err)
	assert.Nil(healthy.Activate(
		[]subscription.Selector{{Type: "order.created"}}, utCtxt,
	))

	// Case 1: publishing never blocks on the stalled session
	totalEvents := 10
	for itr := 0; itr < totalEvents; itr++ {
		assert.Nil(ingest.Publish(utCtxt, common.CloudEvent{
			ID:     uuid.New().String(),
			Type:   "order.created",
			Source: "billing",
			JSON:   json.RawMessage(`{"order":"o-1"}`),
		}))
		time.Sleep(time.Millisecond * 5)
	}

	// Case 2: the healthy session still receives the stream
	received := 0
	assert.Eventually(func() bool {
		for {
			select {
			case <-healthySink.events:
				received++
			default:
				return received >= totalEvents-1
			}
		}
	}, time.Second*2, time.Millisecond*20)
}
