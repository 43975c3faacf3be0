// Package cmd contains the runnable server entry points.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/evgate/apis"
	"github.com/alwitt/evgate/cluster"
	"github.com/alwitt/evgate/common"
	"github.com/alwitt/evgate/core"
	"github.com/alwitt/evgate/gateway"
	"github.com/alwitt/evgate/metadata"
	"github.com/alwitt/evgate/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	params *common.GatewayServerConfig,
	clusterConfig common.ClusterConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Define the core components

	transport, err := cluster.GetNatsTransport(
		localCtxt, natsClient, clusterConfig.SubjectPrefix, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define cluster transport")
		return err
	}

	registry, err := subscription.GetRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}

	store, err := metadata.GetMetadataStore(instance, params.Metadata)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metadata store")
		return err
	}

	index, err := metadata.GetMetadataIndex(
		store, transport, time.Second*time.Duration(clusterConfig.RequestTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metadata index")
		return err
	}
	if err := index.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start metadata index")
		return err
	}

	manager, err := gateway.GetSessionManager(
		localCtxt, transport, registry, store, index, params.Session, params.Metadata, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}
	if err := manager.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session manager")
		return err
	}

	ingest, err := gateway.GetEventIngest(localCtxt, transport, registry, manager, params.Session)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event ingest")
		return err
	}
	if err := ingest.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event ingest")
		return err
	}

	connInit, err := gateway.GetQueryConnectionInit()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection bootstrap")
		return err
	}

	var decoder metadata.TokenDecoder
	if params.Auth.HMACSecret != "" {
		decoder, err = metadata.GetHMACTokenDecoder([]byte(params.Auth.HMACSecret))
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define token decoder")
			return err
		}
	}

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		localCtxt,
		natsClient,
		&params.HTTPSetting,
		manager,
		ingest,
		index,
		connInit,
		decoder,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Connection establishment
	connectAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/connect", map[string]http.HandlerFunc{
			"get": httpHandler.WebsocketConnectHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(connectAPIRouter, "/sse", map[string]http.HandlerFunc{
		"get": httpHandler.SSEConnectHandler(),
	})

	// Per-connection operations
	perConnAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/connection/{connToken}", map[string]http.HandlerFunc{
			"delete": httpHandler.KillConnectionHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(perConnAPIRouter, "/metadata", map[string]http.HandlerFunc{
		"put": httpHandler.PutMetadataHandler(),
		"get": httpHandler.GetMetadataHandler(),
	})
	_ = apis.RegisterPathPrefix(perConnAPIRouter, "/subscription", map[string]http.HandlerFunc{
		"put": httpHandler.PutSubscriptionsHandler(),
	})

	// Event publish
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/event", map[string]http.HandlerFunc{
		"post": httpHandler.PublishEventHandler(),
	})

	// Index lookup
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/index/{fieldName}/{value}", map[string]http.HandlerFunc{
			"get": httpHandler.GetIndexLookupHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", params.HTTPSetting.Server.ListenOn, params.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(params.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(params.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(params.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
