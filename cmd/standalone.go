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

	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/hub"
	"github.com/alwitt/livecount/metrics"
	"github.com/alwitt/livecount/room"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// RunStandaloneServer run the counter hub and the room server in one process. The rooms
// and the hub talk directly, without a transport in between.
func RunStandaloneServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "standalone",
		"instance":  instance,
	}
	if config.Hub == nil || config.Room == nil {
		return fmt.Errorf("standalone server needs both hub and room configurations")
	}

	registry := defineMetricsRegistry()
	collectors, err := metrics.GetCollectors(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return err
	}

	// The counter pushes updates straight into the room manager
	var manager room.Manager
	counter, err := defineCounter(
		runtimeContext,
		config.Hub,
		instance,
		hub.NotifierFunc(func(
			ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate,
		) error {
			return manager.NotifyRoom(ctxt, subscriberID, update)
		}),
		collectors,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define counter hub")
		return err
	}
	defer func() {
		if err := counter.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Counter hub stop failure")
		}
	}()

	store, closeStore, err := defineSummaryStore(runtimeContext, config.Room)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define summary store")
		return err
	}
	defer closeStore()

	manager, err = defineRoomManager(runtimeContext, config.Room, counter, store, collectors, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define room manager")
		return err
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Room manager stop failure")
		}
	}()

	// Either server failing stops both
	servers, serverCtxt := errgroup.WithContext(runtimeContext)
	servers.Go(func() error {
		return serveHubAPI(serverCtxt, config.Hub, instance, counter, collectors, registry)
	})
	servers.Go(func() error {
		return serveRoomAPI(serverCtxt, config.Room, instance, manager, registry)
	})
	return servers.Wait()
}
