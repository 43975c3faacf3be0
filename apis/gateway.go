package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/core"
	"github.com/alwitt/evgate/gateway"
	"github.com/alwitt/evgate/metadata"
	"github.com/alwitt/evgate/subscription"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// APIRestGatewayHandler REST handler for the event gateway
type APIRestGatewayHandler struct {
	apiRestHandler
	natsClient  *core.NatsClient
	manager     gateway.SessionManager
	ingest      gateway.EventIngest
	index       metadata.Index
	connInit    gateway.ConnectionInit
	decoder     metadata.TokenDecoder
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	baseContext context.Context,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	manager gateway.SessionManager,
	ingest gateway.EventIngest,
	index metadata.Index,
	connInit gateway.ConnectionInit,
	decoder metadata.TokenDecoder,
	wg *sync.WaitGroup,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		apiRestHandler: getBaseRestHandler(logTags, httpConfig),
		natsClient:     client,
		manager:        manager,
		ingest:         ingest,
		index:          index,
		connInit:       connInit,
		decoder:        decoder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// parseBearerClaims decode any bearer tokens on the request. An undecodable
// token contributes no claims instead of failing the request.
func (h APIRestGatewayHandler) parseBearerClaims(r *http.Request) []metadata.Claims {
	localLogTags := h.GetLogTagsForContext(r.Context())
	claimSets := []metadata.Claims{}
	if h.decoder == nil {
		return claimSets
	}
	for _, header := range r.Header.Values("Authorization") {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			continue
		}
		claims, err := h.decoder.VerifyAndDecode(token)
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Warn(
				"Ignoring undecodable bearer token",
			)
			continue
		}
		claimSets = append(claimSets, claims)
	}
	return claimSets
}

// =======================================================================
// Connection establishment

// connectionBootstrap first frame sent on a new connection
type connectionBootstrap struct {
	ConnToken string `json:"conn_token"`
}

// -----------------------------------------------------------------------

// WebsocketConnect godoc
// @Summary Establish a websocket connection
// @Description Open a long lived websocket connection session. The first frame carries the
// connection token used by the per-connection REST APIs. Query parameter "subscribe" may
// repeat, each either "type" or "type@source".
// @tags Gateway
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param subscribe query string false "Initial event subscription"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connect [get]
func (h APIRestGatewayHandler) WebsocketConnect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	initialSubs, err := h.connInit.SetUp(r)
	if err != nil {
		msg := "Unable to bootstrap connection"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		if writeErr := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
			nil,
		); writeErr != nil {
			log.WithError(writeErr).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		_ = wsConn.Close()
	}()

	sink := getWebsocketFrameSink(wsConn)
	session, err := h.manager.NewSession(r.Context(), sink)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = sink.SendClose(r.Context(), "unable to define session")
		return
	}
	logTags := log.Fields{}
	for field, value := range localLogTags {
		logTags[field] = value
	}
	logTags["connection"] = session.ConnToken()

	// First frame carries the connection token
	bootstrap, err := json.Marshal(&connectionBootstrap{ConnToken: session.ConnToken()})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize bootstrap frame")
		_ = session.Close(r.Context())
		return
	}
	if err := sink.SendEvent(r.Context(), bootstrap); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send bootstrap frame")
		_ = session.Close(r.Context())
		return
	}

	if err := session.Activate(initialSubs, r.Context()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Session activation failed")
		_ = session.Close(r.Context())
		return
	}

	wsConn.SetPongHandler(func(string) error {
		return session.HandleInboundFrame(gateway.InboundFrame{IsPong: true}, h.baseContext)
	})

	// Unblock the read loop when the session closes
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-session.Done():
		case <-h.baseContext.Done():
		}
		_ = wsConn.Close()
	}()

	for {
		_, payload, err := wsConn.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(logTags).Info("Websocket read loop ended")
			break
		}
		if err := session.HandleInboundFrame(
			gateway.InboundFrame{Payload: payload}, h.baseContext,
		); err != nil {
			break
		}
	}

	select {
	case <-session.Done():
	default:
		if err := session.Close(r.Context()); err != nil {
			log.WithError(err).WithFields(logTags).Error("Session teardown failed")
		}
	}
	log.WithFields(logTags).Info("Websocket connection ended")
}

// WebsocketConnectHandler Wrapper around WebsocketConnect
func (h APIRestGatewayHandler) WebsocketConnectHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.WebsocketConnect(w, r)
	})
}

// -----------------------------------------------------------------------

// SSEConnect godoc
// @Summary Establish a server-send-event connection
// @Description Open a long lived SSE connection session. This is a server push only channel;
// the first data message carries the connection token used by the per-connection REST APIs.
// The stream closes on client disconnect, server shutdown, or session termination.
// @tags Gateway
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param subscribe query string false "Initial event subscription"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connect/sse [get]
func (h APIRestGatewayHandler) SSEConnect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	initialSubs, err := h.connInit.SetUp(r)
	if err != nil {
		msg := "Unable to bootstrap connection"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	sink := getSSEFrameSink(32)
	session, err := h.manager.NewSession(r.Context(), sink)
	if err != nil {
		msg := "Unable to define session"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	logTags := log.Fields{}
	for field, value := range localLogTags {
		logTags[field] = value
	}
	logTags["connection"] = session.ConnToken()

	// First data message carries the connection token
	bootstrap, err := json.Marshal(&connectionBootstrap{ConnToken: session.ConnToken()})
	if err != nil {
		msg := "Unable to serialize bootstrap message"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		_ = session.Close(r.Context())
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", bootstrap)
	writeFlusher.Flush()

	if err := session.Activate(initialSubs, r.Context()); err != nil {
		msg := "Session activation failed"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		_ = session.Close(r.Context())
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	// Process outbound frames
	complete := false
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(logTags).Info("Terminating SSE session on server stop")
			_ = session.Close(r.Context())
			respCode = http.StatusOK
			respBody = h.GetStdRESTSuccessMsg(r.Context())
		case <-r.Context().Done():
			// Request closed
			complete = true
			log.WithFields(logTags).Info("Terminating SSE session on request end")
			_ = session.Close(h.baseContext)
			respCode = http.StatusOK
			respBody = h.GetStdRESTSuccessMsg(r.Context())
		case frame := <-sink.frames:
			switch frame.kind {
			case sseFrameEvent:
				_, _ = fmt.Fprintf(w, "data: %s\n\n", frame.payload)
			case sseFramePing:
				_, _ = fmt.Fprintf(w, ": ping\n\n")
			case sseFrameClose:
				complete = true
				log.WithFields(logTags).Infof("Terminating SSE session: %s", frame.payload)
				_, _ = fmt.Fprintf(w, "event: close\ndata: %s\n\n", frame.payload)
				respCode = http.StatusOK
				respBody = h.GetStdRESTSuccessMsg(r.Context())
			}
			writeFlusher.Flush()
		}
	}
	writeFlusher.Flush()
	log.WithFields(logTags).Info("SSE connection ended")
}

// SSEConnectHandler Wrapper around SSEConnect
func (h APIRestGatewayHandler) SSEConnectHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.SSEConnect(w, r)
	})
}

// =======================================================================
// Connection metadata

// metadataUpdateRequest payload of a set-metadata request
type metadataUpdateRequest struct {
	Metadata map[string]string `json:"metadata" validate:"required"`
}

// -----------------------------------------------------------------------

// PutMetadata godoc
// @Summary Replace a connection's metadata record
// @Description Fully replace the metadata record of a locally owned connection. Bearer token
// derived fields override client supplied fields of the same name. The record must carry a
// value for every indexed field.
// @tags Gateway
// @Accept json
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param connToken path string true "Connection token"
// @Param metadata body metadataUpdateRequest true "New metadata record"
// @Success 204 {string} string "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 400,500 {string} Evgate-Request-ID "Request ID to match against logs"
// @Router /v1/connection/{connToken}/metadata [put]
func (h APIRestGatewayHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if respCode == http.StatusNoContent {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connToken, ok := vars["connToken"]
	if !ok {
		msg := "No connection token provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var request metadataUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Request body must carry a metadata object"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	claimSets := h.parseBearerClaims(r)
	if err := h.manager.ApplyMetadataUpdate(
		r.Context(), connToken, request.Metadata, claimSets...,
	); err != nil {
		msg := fmt.Sprintf("Metadata update for %s rejected", connToken)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusNoContent
}

// PutMetadataHandler Wrapper around PutMetadata
func (h APIRestGatewayHandler) PutMetadataHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PutMetadata(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespConnectionMetadata response containing one metadata record
type APIRestRespConnectionMetadata struct {
	goutils.RestAPIBaseResponse
	// Record the connection's metadata record
	Record metadata.MetadataRecord `json:"record"`
}

// GetMetadata godoc
// @Summary Fetch a connection's metadata record
// @Description Fetch the metadata record of any connection in the cluster. Records owned by
// another node are fetched from that node.
// @tags Gateway
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param connToken path string true "Connection token"
// @Success 200 {object} APIRestRespConnectionMetadata "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Evgate-Request-ID "Request ID to match against logs"
// @Router /v1/connection/{connToken}/metadata [get]
func (h APIRestGatewayHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connToken, ok := vars["connToken"]
	if !ok {
		msg := "No connection token provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	record, err := h.index.ResolveMetadata(r.Context(), connToken)
	if err != nil {
		msg := fmt.Sprintf("No metadata record for %s", connToken)
		log.WithError(err).WithFields(localLogTags).Info(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConnectionMetadata{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Record: record,
	}
}

// GetMetadataHandler Wrapper around GetMetadata
func (h APIRestGatewayHandler) GetMetadataHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetMetadata(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespIndexEntries response containing matching index entries
type APIRestRespIndexEntries struct {
	goutils.RestAPIBaseResponse
	// Entries the matching index entries
	Entries []metadata.IndexEntry `json:"entries"`
}

// GetIndexLookup godoc
// @Summary Look up connections by indexed metadata field
// @Description List the connections whose metadata record carries the given value for an
// indexed field. The view is eventually consistent with remote updates.
// @tags Gateway
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param fieldName path string true "Indexed metadata field name"
// @Param value path string true "Field value to look up"
// @Success 200 {object} APIRestRespIndexEntries "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400 {string} Evgate-Request-ID "Request ID to match against logs"
// @Router /v1/index/{fieldName}/{value} [get]
func (h APIRestGatewayHandler) GetIndexLookup(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	fieldName, ok := vars["fieldName"]
	if !ok {
		msg := "No field name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	value, ok := vars["value"]
	if !ok {
		msg := "No field value provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespIndexEntries{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Entries:             h.index.LookupByIndex(fieldName, value),
	}
}

// GetIndexLookupHandler Wrapper around GetIndexLookup
func (h APIRestGatewayHandler) GetIndexLookupHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetIndexLookup(w, r)
	})
}

// =======================================================================
// Subscription management

// subscriptionUpdateRequest payload of a subscription change request
type subscriptionUpdateRequest struct {
	Subscriptions []subscription.Selector `json:"subscriptions" validate:"required,dive"`
}

// PutSubscriptions godoc
// @Summary Replace a connection's subscriptions
// @Description Replace the event subscription set of a locally owned connection. The new set
// is confirmed to the client over its connection.
// @tags Gateway
// @Accept json
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param connToken path string true "Connection token"
// @Param subscriptions body subscriptionUpdateRequest true "New subscription set"
// @Success 202 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Header 202,400,404 {string} Evgate-Request-ID "Request ID to match against logs"
// @Router /v1/connection/{connToken}/subscription [put]
func (h APIRestGatewayHandler) PutSubscriptions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connToken, ok := vars["connToken"]
	if !ok {
		msg := "No connection token provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var request subscriptionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Request body must carry a subscriptions list"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	session, ok := h.manager.GetSession(connToken)
	if !ok {
		msg := fmt.Sprintf("Connection %s is not active on this node", connToken)
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}
	if err := session.OnSubscriptionsChanged(request.Subscriptions, r.Context()); err != nil {
		msg := fmt.Sprintf("Subscription change for %s rejected", connToken)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusAccepted
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PutSubscriptionsHandler Wrapper around PutSubscriptions
func (h APIRestGatewayHandler) PutSubscriptionsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PutSubscriptions(w, r)
	})
}

// =======================================================================
// Event publish

// PublishEvent godoc
// @Summary Publish an event
// @Description Broadcast one event to the cluster for delivery to every subscribed
// connection, wherever it is connected.
// @tags Gateway
// @Accept json
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param event body common.CloudEvent true "Event to publish"
// @Success 202 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 202,400,500 {string} Evgate-Request-ID "Request ID to match against logs"
// @Router /v1/event [post]
func (h APIRestGatewayHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var event common.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&event); err != nil {
		msg := "Event missing required attributes"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.ingest.Publish(r.Context(), event); err != nil {
		msg := fmt.Sprintf("Unable to publish %s", event)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusAccepted
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishEventHandler Wrapper around PublishEvent
func (h APIRestGatewayHandler) PublishEventHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.PublishEvent(w, r)
	})
}

// =======================================================================
// Connection termination

// KillConnection godoc
// @Summary Force-terminate a connection
// @Description Request termination of a connection session anywhere in the cluster. The
// owning node applies the request asynchronously.
// @tags Gateway
// @Produce json
// @Param Evgate-Request-ID header string false "User provided request ID to match against logs"
// @Param connToken path string true "Connection token"
// @Param reason query string false "Reason reported to the client"
// @Success 202 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 202,400,500 {string} Evgate-Request-ID "Request ID to match against logs"
// @Router /v1/connection/{connToken} [delete]
func (h APIRestGatewayHandler) KillConnection(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	connToken, ok := vars["connToken"]
	if !ok {
		msg := "No connection token provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	reason := "killed by operator request"
	if t, ok := r.URL.Query()["reason"]; ok && len(t) == 1 {
		reason = t[0]
	}

	if err := h.manager.KillSession(r.Context(), connToken, reason); err != nil {
		msg := fmt.Sprintf("Unable to request kill of %s", connToken)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusAccepted
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// KillConnectionHandler Wrapper around KillConnection
func (h APIRestGatewayHandler) KillConnectionHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.KillConnection(w, r)
	})
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success if gateway REST API module is ready for use
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}

// =======================================================================
// Frame sinks

// websocketFrameSink frames session output onto a websocket connection.
// Writes are serialized; gorilla allows one concurrent writer only.
type websocketFrameSink struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

const websocketWriteTimeout = time.Second * 5

func getWebsocketFrameSink(conn *websocket.Conn) *websocketFrameSink {
	return &websocketFrameSink{conn: conn}
}

// SendEvent write one event payload as a single text frame. The write
// deadline keeps a dead peer from stalling the session indefinitely.
func (s *websocketFrameSink) SendEvent(ctxt context.Context, payload []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// SendPing write a heartbeat ping frame
func (s *websocketFrameSink) SendPing(ctxt context.Context) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.conn.WriteControl(
		websocket.PingMessage, []byte{}, time.Now().Add(websocketWriteTimeout),
	)
}

// SendClose write a close frame with a short reason
func (s *websocketFrameSink) SendClose(ctxt context.Context, reason string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(websocketWriteTimeout),
	)
}

// -----------------------------------------------------------------------

type sseFrameKind int

const (
	sseFrameEvent sseFrameKind = iota
	sseFramePing
	sseFrameClose
)

type sseFrame struct {
	kind    sseFrameKind
	payload []byte
}

// sseFrameSink buffers session output for the SSE push loop
type sseFrameSink struct {
	frames   chan sseFrame
	halted   chan struct{}
	haltOnce sync.Once
}

func getSSEFrameSink(bufferDepth int) *sseFrameSink {
	return &sseFrameSink{
		frames: make(chan sseFrame, bufferDepth),
		halted: make(chan struct{}),
	}
}

func (s *sseFrameSink) deliver(ctxt context.Context, frame sseFrame) error {
	select {
	case s.frames <- frame:
		return nil
	case <-s.halted:
		return fmt.Errorf("sink already halted")
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// SendEvent queue one event payload for the push loop
func (s *sseFrameSink) SendEvent(ctxt context.Context, payload []byte) error {
	return s.deliver(ctxt, sseFrame{kind: sseFrameEvent, payload: payload})
}

// SendPing queue a heartbeat marker for the push loop
func (s *sseFrameSink) SendPing(ctxt context.Context) error {
	return s.deliver(ctxt, sseFrame{kind: sseFramePing})
}

// SendClose queue the close notice and halt the sink
func (s *sseFrameSink) SendClose(ctxt context.Context, reason string) error {
	select {
	case s.frames <- sseFrame{kind: sseFrameClose, payload: []byte(reason)}:
	default:
		// Push loop is gone; nothing left to notify
	}
	s.haltOnce.Do(func() { close(s.halted) })
	return nil
}
