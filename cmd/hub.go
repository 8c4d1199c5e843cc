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
	"sync"
	"time"

	"github.com/alwitt/livecount/apis"
	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/core"
	"github.com/alwitt/livecount/hub"
	"github.com/alwitt/livecount/metrics"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

// defineCounter define the counter hub, which pushes updates through notifier
func defineCounter(
	runtimeContext context.Context,
	config *common.HubServerConfig,
	instance string,
	notifier hub.Notifier,
	collectors *metrics.Collectors,
	wg *sync.WaitGroup,
) (hub.Counter, error) {
	return hub.GetCounter(runtimeContext, instance, notifier, hub.CounterParams{
		NotifyWorkers:    config.Notify.Workers,
		NotifyQueueDepth: config.Notify.QueueDepth,
		NotifyTimeout:    time.Second * time.Duration(config.Notify.RequestTimeout),
	}, collectors, wg)
}

// serveHubAPI serve the hub REST API until runtimeContext is cancelled
func serveHubAPI(
	runtimeContext context.Context,
	config *common.HubServerConfig,
	instance string,
	counter hub.Counter,
	collectors *metrics.Collectors,
	registry prometheus.Gatherer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub",
		"instance":  instance,
	}

	httpHandler, err := apis.GetAPIRestHubHandler(counter, collectors, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router, mainRouter := defineRouter(
		config.Endpoints, httpHandler.AttachRequestID, httpHandler, registry,
	)
	apis.RegisterHubRoutes(mainRouter, httpHandler)

	return runHTTPServer(runtimeContext, logTags, config.HTTPSetting.Server, router)
}

// RunHubServer run the counter hub server
func RunHubServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "hub",
		"instance":  instance,
	}
	if config.Hub == nil {
		return fmt.Errorf("hub server can't start without its configurations")
	}
	if err := requireNATS(config, natsClient); err != nil {
		return err
	}

	registry := defineMetricsRegistry()
	collectors, err := metrics.GetCollectors(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	var notifier hub.Notifier
	if config.Transport == common.TransportNATS {
		notifier, err = hub.GetNATSNotifier(natsClient, natsSubjects(config))
	} else {
		notifier, err = hub.GetHTTPNotifier(
			config.Hub.Notify.RoomServerURL,
			time.Second*time.Duration(config.Hub.Notify.RequestTimeout),
		)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define update notifier")
		return err
	}

	counter, err := defineCounter(runtimeContext, config.Hub, instance, notifier, collectors, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define counter hub")
		return err
	}
	defer func() {
		if err := counter.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Counter hub stop failure")
		}
	}()

	if config.Transport == common.TransportNATS {
		listener, err := hub.ListenForHubRequests(
			runtimeContext, natsClient, natsSubjects(config), counter,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to listen for hub requests")
			return err
		}
		defer func() {
			if err := listener.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("NATS listener stop failure")
			}
		}()
	}

	return serveHubAPI(runtimeContext, config.Hub, instance, counter, collectors, registry)
}
