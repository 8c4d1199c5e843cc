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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
)

func TestNATSSubjects(t *testing.T) {
	assert := assert.New(t)

	uut := GetNATSSubjects("livecount")
	assert.Equal("livecount.hub.update", uut.HubUpdate())
	assert.Equal("livecount.hub.subscribe", uut.HubSubscribe())
	assert.Equal("livecount.room.x.update", uut.RoomUpdate("x"))

	room, err := uut.RoomFromUpdateSubject(uut.RoomUpdate("page_a"))
	assert.Nil(err)
	assert.Equal("page_a", room)

	_, err = uut.RoomFromUpdateSubject("livecount.hub.update")
	assert.NotNil(err)
	_, err = uut.RoomFromUpdateSubject("livecount.room.x.y.update")
	assert.NotNil(err)
}

func TestNATSTransport(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	natsSrv := natsserver.RunServer(&opts)
	defer natsSrv.Shutdown()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	natsClient, err := core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           natsSrv.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer natsClient.Close(utCtxt)

	subjects := GetNATSSubjects(uuid.NewString()[:8])

	notifier, err := GetNATSNotifier(natsClient, subjects)
	assert.Nil(err)
	counter, err := GetCounter(utCtxt, "ut-counter", notifier, defaultCounterParams(), nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(counter.Stop())
	}()

	hubListener, err := ListenForHubRequests(utCtxt, natsClient, subjects, counter)
	assert.Nil(err)
	defer func() {
		assert.Nil(hubListener.Stop())
	}()

	rooms := newRecordingNotifier()
	roomListener, err := ListenForRoomUpdates(utCtxt, natsClient, subjects, rooms)
	assert.Nil(err)
	defer func() {
		assert.Nil(roomListener.Stop())
	}()

	uut, err := GetNATSClient(natsClient, subjects)
	assert.Nil(err)

	// Case 0: subscribe through NATS
	{
		assert.Nil(uut.ReportConnectionCount(utCtxt, "y", 5))
		assert.Eventually(func() bool {
			count, ok := counter.GetCount("y")
			return ok && count == 5
		}, time.Second, time.Millisecond*10)

		lclCtxt, cancel := context.WithTimeout(utCtxt, time.Second)
		summary, err := uut.Subscribe(lclCtxt, "x", []string{"y", "z"})
		cancel()
		assert.Nil(err)
		assert.Equal(common.ConnectionSummary{"y": 5, "z": 0}, summary)
	}

	// Case 1: count change is pushed to the subscriber
	{
		assert.Nil(uut.ReportConnectionCount(utCtxt, "y", 6))
		assert.Eventually(func() bool {
			return len(rooms.get("x")) == 1
		}, time.Second, time.Millisecond*10)
		assert.Equal(
			common.ConnectionCountUpdate{Action: common.HubActionUpdate, ID: "y", ConnectionCount: 6},
			rooms.get("x")[0],
		)
	}

	// Case 2: invalid subscribe is rejected
	{
		lclCtxt, cancel := context.WithTimeout(utCtxt, time.Second)
		_, err := uut.Subscribe(lclCtxt, "x", []string{"bad.room"})
		cancel()
		assert.NotNil(err)
	}
}
