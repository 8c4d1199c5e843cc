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
	"github.com/alwitt/livecount/room"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// defineSummaryStore define the room summary store selected by the config
func defineSummaryStore(
	runtimeContext context.Context, config *common.RoomServerConfig,
) (room.SummaryStore, func(), error) {
	if config.Cache.Store != common.StoreRedis {
		store, err := room.GetMemorySummaryStore(config.Cache.MaxRooms)
		return store, func() {}, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Cache.Redis.Addr,
		Password: config.Cache.Redis.Password,
		DB:       config.Cache.Redis.DB,
	})
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Error("Redis client close failure")
		}
	}
	if err := client.Ping(runtimeContext).Err(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("redis %s unreachable: %w", config.Cache.Redis.Addr, err)
	}
	store, err := room.GetRedisSummaryStore(client, room.RedisStoreParams{
		KeyPrefix: config.Cache.Redis.KeyPrefix,
		TTL:       time.Second * time.Duration(config.Cache.ExpiryCheckInterval) * 2,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

// defineRoomManager define the room manager, which reaches the hub through hubClient
func defineRoomManager(
	runtimeContext context.Context,
	config *common.RoomServerConfig,
	hubClient hub.Client,
	store room.SummaryStore,
	collectors *metrics.Collectors,
	wg *sync.WaitGroup,
) (room.Manager, error) {
	return room.GetManager(runtimeContext, room.ManagerParams{
		ExpiryDelay:       time.Second * time.Duration(config.Cache.ExpiryCheckInterval),
		EventQueueDepth:   config.EventQueueDepth,
		HubRequestTimeout: time.Second * time.Duration(config.HubClient.RequestTimeout),
		MaxRooms:          config.Cache.MaxRooms,
	}, hubClient, store, collectors, wg)
}

// serveRoomAPI serve the room REST and websocket API until runtimeContext is cancelled
func serveRoomAPI(
	runtimeContext context.Context,
	config *common.RoomServerConfig,
	instance string,
	manager room.Manager,
	registry prometheus.Gatherer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "room",
		"instance":  instance,
	}

	httpHandler, err := apis.GetAPIRestRoomHandler(runtimeContext, manager, room.SessionParams{
		ReadLimit:      config.WebSocket.ReadLimit,
		PingInterval:   time.Second * time.Duration(config.WebSocket.PingInterval),
		WriteTimeout:   time.Second * time.Duration(config.WebSocket.WriteTimeout),
		SendQueueDepth: config.WebSocket.SendQueueDepth,
	}, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router, mainRouter := defineRouter(
		config.Endpoints, httpHandler.AttachRequestID, httpHandler, registry,
	)
	apis.RegisterRoomRoutes(mainRouter, httpHandler)

	return runHTTPServer(runtimeContext, logTags, config.HTTPSetting.Server, router)
}

// RunRoomServer run the room server
func RunRoomServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "room",
		"instance":  instance,
	}
	if config.Room == nil {
		return fmt.Errorf("room server can't start without its configurations")
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

	var hubClient hub.Client
	if config.Transport == common.TransportNATS {
		hubClient, err = hub.GetNATSClient(natsClient, natsSubjects(config))
	} else {
		hubClient, err = hub.GetHTTPClient(
			config.Room.HubClient.HubURL,
			time.Second*time.Duration(config.Room.HubClient.RequestTimeout),
		)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub client")
		return err
	}

	store, closeStore, err := defineSummaryStore(runtimeContext, config.Room)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define summary store")
		return err
	}
	defer closeStore()

	manager, err := defineRoomManager(runtimeContext, config.Room, hubClient, store, collectors, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define room manager")
		return err
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Room manager stop failure")
		}
	}()

	if config.Transport == common.TransportNATS {
		listener, err := hub.ListenForRoomUpdates(
			runtimeContext, natsClient, natsSubjects(config), manager,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to listen for room updates")
			return err
		}
		defer func() {
			if err := listener.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("NATS listener stop failure")
			}
		}()
	}

	return serveRoomAPI(runtimeContext, config.Room, instance, manager, registry)
}
