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

package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/hub"
	"github.com/alwitt/livecount/metrics"
	"github.com/apex/log"
)

// Manager registry of the room aggregators hosted by this process. It also receives the
// count changes pushed by the hub, and routes them to the subscribed room.
type Manager interface {
	hub.Notifier
	Joiner

	// GetOrCreate fetch the aggregator of a room, starting one if needed
	GetOrCreate(roomID string) (Aggregator, error)

	// Get fetch the aggregator of a room if it is running
	Get(roomID string) (Aggregator, bool)

	// List list the rooms with a running aggregator
	List() []string

	// Stop stop all aggregators
	Stop() error
}

// ManagerParams parameters applied to every room aggregator
type ManagerParams struct {
	// ExpiryDelay delay between a cache write, or the last expiry check, and the next check
	ExpiryDelay time.Duration `validate:"gt=0"`
	// EventQueueDepth number of pending events buffered per room
	EventQueueDepth int `validate:"gte=1"`
	// HubRequestTimeout max duration of one hub request
	HubRequestTimeout time.Duration `validate:"gt=0"`
	// MaxRooms max number of rooms hosted at once
	MaxRooms int `validate:"gte=1"`
}

// ErrRoomLimit the manager already hosts as many rooms as it may
var ErrRoomLimit = errors.New("room limit reached")

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	ctxt    context.Context
	params  ManagerParams
	hub     hub.Client
	store   SummaryStore
	metrics *metrics.Collectors
	wg      *sync.WaitGroup
	lock    sync.RWMutex
	rooms   map[string]Aggregator
}

// GetManager define a new room manager
func GetManager(
	ctxt context.Context,
	params ManagerParams,
	hubClient hub.Client,
	store SummaryStore,
	collectors *metrics.Collectors,
	wg *sync.WaitGroup,
) (Manager, error) {
	logTags := log.Fields{"module": "room", "component": "manager"}
	if err := common.GetValidator().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid room manager parameters")
		return nil, err
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      ctxt,
		params:    params,
		hub:       hubClient,
		store:     store,
		metrics:   collectors,
		wg:        wg,
		rooms:     make(map[string]Aggregator),
	}, nil
}

func (m *managerImpl) GetOrCreate(roomID string) (Aggregator, error) {
	m.lock.RLock()
	room, ok := m.rooms[roomID]
	m.lock.RUnlock()
	if ok {
		return room, nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if room, ok = m.rooms[roomID]; ok {
		return room, nil
	}
	if len(m.rooms) >= m.params.MaxRooms {
		return nil, fmt.Errorf("%w: unable to start %s", ErrRoomLimit, roomID)
	}
	room, err := GetAggregator(m.ctxt, AggregatorParams{
		RoomID:            roomID,
		ExpiryDelay:       m.params.ExpiryDelay,
		EventQueueDepth:   m.params.EventQueueDepth,
		HubRequestTimeout: m.params.HubRequestTimeout,
		OnIdle:            m.release,
	}, m.hub, m.store, m.metrics, m.wg)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to start room %s", roomID)
		return nil, err
	}
	m.rooms[roomID] = room
	log.WithFields(m.LogTags).Infof("Started room %s", roomID)
	return room, nil
}

// Join connect a session to a room, starting the room if needed. A room retired while the
// session was joining is replaced by a fresh one.
func (m *managerImpl) Join(
	ctxt context.Context, roomID string, session ClientSession,
) (Aggregator, error) {
	for attempt := 0; attempt < 3; attempt++ {
		room, err := m.GetOrCreate(roomID)
		if err != nil {
			return nil, err
		}
		err = room.OnConnect(ctxt, session)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, ErrRoomRetired) {
			return nil, err
		}
		log.WithFields(m.LogTags).Debugf("Room %s retired during join, retrying", roomID)
	}
	return nil, fmt.Errorf("unable to join room %s", roomID)
}

// release stop an idle room and drop it from the registry
func (m *managerImpl) release(room Aggregator) {
	roomID := room.RoomID()
	// Holding the lock keeps GetOrCreate from handing out the room while it retires
	m.lock.Lock()
	defer m.lock.Unlock()
	if current, ok := m.rooms[roomID]; !ok || current != room {
		return
	}
	ctxt, cancel := context.WithTimeout(m.ctxt, m.params.HubRequestTimeout)
	defer cancel()
	retired, err := room.Retire(ctxt)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to retire room %s", roomID)
		return
	}
	if !retired {
		return
	}
	delete(m.rooms, roomID)
	if err := room.Stop(); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to stop room %s", roomID)
	}
	m.metrics.RoomRemoved(roomID)
	log.WithFields(m.LogTags).Infof("Released idle room %s", roomID)
}

func (m *managerImpl) Get(roomID string) (Aggregator, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

func (m *managerImpl) List() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	result := make([]string, 0, len(m.rooms))
	for roomID := range m.rooms {
		result = append(result, roomID)
	}
	sort.Strings(result)
	return result
}

func (m *managerImpl) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for roomID, room := range m.rooms {
		if err := room.Stop(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to stop room %s", roomID)
		}
	}
	m.rooms = make(map[string]Aggregator)
	return nil
}

// NotifyRoom deliver a hub pushed count change to the subscribed room. A room not running
// in this process holds no cache, so the change is dropped.
func (m *managerImpl) NotifyRoom(
	ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate,
) error {
	logTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	room, ok := m.Get(subscriberID)
	if !ok {
		log.WithFields(logTags).Debugf("Room %s not running, dropping %s", subscriberID, update)
		return nil
	}
	return room.OnUpdate(ctxt, update)
}
