package apis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/gateway"
	"github.com/alwitt/evgate/metadata"
	"github.com/alwitt/evgate/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// connectTestSession scripted session for exercising the connect handlers
type connectTestSession struct {
	token       string
	activateErr error
	closeOnce   sync.Once
	closed      chan struct{}
	done        chan struct{}
}

func newConnectTestSession(activateErr error) *connectTestSession {
	return &connectTestSession{
		token:       uuid.New().String(),
		activateErr: activateErr,
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *connectTestSession) ConnToken() string {
	return s.token
}

func (s *connectTestSession) Activate(
	initialSubs []subscription.Selector, ctxt context.Context,
) error {
	return s.activateErr
}

func (s *connectTestSession) HandleInboundFrame(
	frame gateway.InboundFrame, ctxt context.Context,
) error {
	return nil
}

func (s *connectTestSession) OnEvent(event common.CloudEvent, ctxt context.Context) error {
	return nil
}

func (s *connectTestSession) OnSubscriptionsChanged(
	newSet []subscription.Selector, ctxt context.Context,
) error {
	return nil
}

func (s *connectTestSession) OnSessionKilled(reason string, ctxt context.Context) error {
	return s.Close(ctxt)
}

func (s *connectTestSession) Close(ctxt context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.done)
	})
	return nil
}

func (s *connectTestSession) Done() <-chan struct{} {
	return s.done
}

// connectTestManager hands out one scripted session
type connectTestManager struct {
	session *connectTestSession
}

func (m *connectTestManager) NewSession(
	ctxt context.Context, sink gateway.FrameSink,
) (gateway.Session, error) {
	return m.session, nil
}

func (m *connectTestManager) GetSession(connToken string) (gateway.Session, bool) {
	return m.session, true
}

func (m *connectTestManager) KillSession(ctxt context.Context, connToken, reason string) error {
	return m.session.Close(ctxt)
}

func (m *connectTestManager) ApplyMetadataUpdate(
	ctxt context.Context,
	connToken string,
	clientFields map[string]string,
	claimSets ...metadata.Claims,
) error {
	return nil
}

func (m *connectTestManager) Start(wg *sync.WaitGroup) error {
	return nil
}

func defineConnectTestHandler(
	t *testing.T, utCtxt context.Context, session *connectTestSession, wg *sync.WaitGroup,
) APIRestGatewayHandler {
	assert := assert.New(t)

	connInit, err := gateway.GetQueryConnectionInit()
	assert.Nil(err)
	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Evgate-Request-ID"},
	}
	uut, err := GetAPIRestGatewayHandler(
		utCtxt,
		nil,
		&httpConfig,
		&connectTestManager{session: session},
		nil,
		nil,
		connInit,
		nil,
		wg,
	)
	assert.Nil(err)
	return uut
}

func TestWebsocketConnectActivationFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	session := newConnectTestSession(fmt.Errorf("dummy error"))
	uut := defineConnectTestHandler(t, utCtxt, session, wg)

	svr := httptest.NewServer(uut.WebsocketConnectHandler())
	defer svr.Close()

	wsURL := "ws" + strings.TrimPrefix(svr.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() {
		_ = conn.Close()
	}()

	// Case 1: bootstrap frame is still sent before activation
	assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, payload, err := conn.ReadMessage()
	assert.Nil(err)
	assert.Contains(string(payload), session.token)

	// Case 2: failed activation tears the session down
	select {
	case <-session.closed:
	case <-time.After(time.Second):
		assert.FailNow("session was not closed")
	}
}

func TestSSEConnectActivationFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	session := newConnectTestSession(fmt.Errorf("dummy error"))
	uut := defineConnectTestHandler(t, utCtxt, session, wg)

	svr := httptest.NewServer(uut.SSEConnectHandler())
	defer svr.Close()

	resp, err := http.Get(svr.URL)
	assert.Nil(err)
	defer func() {
		_ = resp.Body.Close()
	}()

	// Failed activation tears the session down
	select {
	case <-session.closed:
	case <-time.After(time.Second):
		assert.FailNow("session was not closed")
	}
}
