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

package hub

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/metrics"
	"github.com/apex/log"
)

// Counter the counter hub. It holds the authoritative connection count of every room, and
// pushes count changes to the rooms subscribed to them.
type Counter interface {
	Client
	// GetCount fetch the recorded count of a room
	GetCount(roomID string) (int, bool)
	// ListCounts fetch the recorded count of every room
	ListCounts() common.ConnectionSummary
	// Subscribers fetch the rooms subscribed to a room
	Subscribers(roomID string) []string
	// Stop stop the notification workers
	Stop() error
}

// CounterParams counter hub parameters
type CounterParams struct {
	// NotifyWorkers number of parallel notification workers
	NotifyWorkers int `validate:"gte=1"`
	// NotifyQueueDepth notification queue depth per worker
	NotifyQueueDepth int `validate:"gte=1"`
	// NotifyTimeout max duration of one notification
	NotifyTimeout time.Duration `validate:"gt=0"`
}

// notifyTask one update notification to send to one subscriber
type notifyTask struct {
	subscriberID string
	update       common.ConnectionCountUpdate
}

// RoutingKey notifications for one subscriber are processed in order by one worker
func (t notifyTask) RoutingKey() string {
	return t.subscriberID
}

// counterImpl implements Counter
type counterImpl struct {
	common.Component
	// reportLock keeps count changes and their notifications in the same order
	reportLock  sync.Mutex
	lock        sync.RWMutex
	counts      map[string]int
	subscribers map[string]map[string]bool
	notifier    Notifier
	workers     common.TaskProcessor
	params      CounterParams
	metrics     *metrics.Collectors
	ctxt        context.Context
}

// GetCounter define a new counter hub
func GetCounter(
	ctxt context.Context,
	name string,
	notifier Notifier,
	params CounterParams,
	collectors *metrics.Collectors,
	wg *sync.WaitGroup,
) (Counter, error) {
	logTags := log.Fields{
		"module": "hub", "component": "counter", "instance": name,
	}
	if err := common.GetValidator().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid counter parameters")
		return nil, err
	}
	workers, err := common.GetNewTaskDemuxProcessorInstance(
		fmt.Sprintf("%s.notify", name), params.NotifyQueueDepth, params.NotifyWorkers, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define notification workers")
		return nil, err
	}
	instance := &counterImpl{
		Component:   common.Component{LogTags: logTags},
		counts:      make(map[string]int),
		subscribers: make(map[string]map[string]bool),
		notifier:    notifier,
		workers:     workers,
		params:      params,
		metrics:     collectors,
		ctxt:        ctxt,
	}
	if err := workers.AddToTaskExecutionMap(
		reflect.TypeOf(notifyTask{}), instance.processNotifyTask,
	); err != nil {
		return nil, err
	}
	if err := workers.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start notification workers")
		return nil, err
	}
	return instance, nil
}

// ReportConnectionCount record the connection count of a room, and notify its subscribers
// if the count changed.
func (c *counterImpl) ReportConnectionCount(
	ctxt context.Context, roomID string, count int,
) error {
	logTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	if err := common.ValidateRoomID(roomID); err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("connection count %d of room %s is negative", count, roomID)
	}

	c.reportLock.Lock()
	defer c.reportLock.Unlock()

	var subscribers []string
	c.lock.Lock()
	previous, known := c.counts[roomID]
	c.counts[roomID] = count
	if !known || previous != count {
		for subscriber := range c.subscribers[roomID] {
			subscribers = append(subscribers, subscriber)
		}
	}
	c.lock.Unlock()

	if known && previous == count {
		log.WithFields(logTags).Debugf("Room %s count unchanged at %d", roomID, count)
		return nil
	}
	log.WithFields(logTags).Debugf(
		"Room %s count %d, notifying %d subscribers", roomID, count, len(subscribers),
	)

	update := common.ConnectionCountUpdate{
		Action: common.HubActionUpdate, ID: roomID, ConnectionCount: count,
	}
	sort.Strings(subscribers)
	for _, subscriber := range subscribers {
		if err := c.workers.Submit(
			ctxt, notifyTask{subscriberID: subscriber, update: update},
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to queue notification %s for %s", update, subscriber,
			)
			return err
		}
	}
	return nil
}

// Subscribe register subscriberID for count changes of roomIDs
func (c *counterImpl) Subscribe(
	ctxt context.Context, subscriberID string, roomIDs []string,
) (common.ConnectionSummary, error) {
	logTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	if err := common.ValidateRoomID(subscriberID); err != nil {
		return nil, err
	}
	for _, roomID := range roomIDs {
		if err := common.ValidateRoomID(roomID); err != nil {
			return nil, err
		}
	}

	result := common.ConnectionSummary{}
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, roomID := range roomIDs {
		subscribers, ok := c.subscribers[roomID]
		if !ok {
			subscribers = make(map[string]bool)
			c.subscribers[roomID] = subscribers
		}
		subscribers[subscriberID] = true
		result[roomID] = c.counts[roomID]
	}
	log.WithFields(logTags).Debugf("Room %s subscribed to %s", subscriberID, result)
	return result, nil
}

// GetCount fetch the recorded count of a room
func (c *counterImpl) GetCount(roomID string) (int, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	count, ok := c.counts[roomID]
	return count, ok
}

// ListCounts fetch the recorded count of every room
func (c *counterImpl) ListCounts() common.ConnectionSummary {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return common.ConnectionSummary(c.counts).Copy()
}

// Subscribers fetch the rooms subscribed to a room
func (c *counterImpl) Subscribers(roomID string) []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	result := make([]string, 0, len(c.subscribers[roomID]))
	for subscriber := range c.subscribers[roomID] {
		result = append(result, subscriber)
	}
	sort.Strings(result)
	return result
}

// Stop stop the notification workers
func (c *counterImpl) Stop() error {
	return c.workers.StopEventLoop()
}

// processNotifyTask send one notification. Runs on a notification worker.
func (c *counterImpl) processNotifyTask(param interface{}) error {
	task, ok := param.(notifyTask)
	if !ok {
		return fmt.Errorf("received unexpected call parameter: %s", reflect.TypeOf(param))
	}
	ctxt, cancel := context.WithTimeout(c.ctxt, c.params.NotifyTimeout)
	defer cancel()
	err := c.notifier.NotifyRoom(ctxt, task.subscriberID, task.update)
	c.metrics.HubNotification(err)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to notify %s of %s", task.subscriberID, task.update,
		)
		return nil
	}
	log.WithFields(c.LogTags).Debugf("Notified %s of %s", task.subscriberID, task.update)
	return nil
}
