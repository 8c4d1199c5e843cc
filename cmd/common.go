// Copyright 2022 The livecount Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/livecount/apis"
	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/core"
	"github.com/alwitt/livecount/hub"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineMetricsRegistry define the prometheus registry, with the runtime collectors
func defineMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// defineRouter define the root router, with request ID, request logging and metrics
func defineRouter(
	endpoints common.EndpointConfig,
	requestID mux.MiddlewareFunc,
	requestLog io.Writer,
	registry prometheus.Gatherer,
) (*mux.Router, *mux.Router) {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, endpoints.PathPrefix, nil)
	apis.RegisterMetrics(router, registry)

	router.Use(requestID)
	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(requestLog, next)
	})
	return router, mainRouter
}

// runHTTPServer serve handler until runtimeContext is cancelled
func runHTTPServer(
	runtimeContext context.Context,
	logTags log.Fields,
	config common.HTTPServerConfig,
	handler http.Handler,
) error {
	serverListen := fmt.Sprintf("%s:%d", config.ListenOn, config.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
	}

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	var result error
	select {
	case <-runtimeContext.Done():
	case result = <-serverErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	return result
}

// natsSubjects subjects used by the NATS transport
func natsSubjects(config *common.SystemConfig) hub.NATSSubjects {
	return hub.GetNATSSubjects(config.NATS.SubjectPrefix)
}

// requireNATS verify a NATS client was provided when the NATS transport is selected
func requireNATS(config *common.SystemConfig, natsClient *core.NatsClient) error {
	if config.Transport == common.TransportNATS && natsClient == nil {
		return fmt.Errorf("NATS transport selected without a NATS client")
	}
	return nil
}
