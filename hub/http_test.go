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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livecount/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestHTTPClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	lock := sync.Mutex{}
	var received []common.HubRequest
	reject := false
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lock.Lock()
		defer lock.Unlock()
		if r.Method != http.MethodPost || r.URL.Path != HubRequestPath || reject {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req common.HubRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = append(received, req)
		w.Header().Set("Content-Type", "application/json")
		resp := common.HubSubscribeResponse{
			RestAPIBaseResponse: goutils.RestAPIBaseResponse{Success: true},
		}
		if req.Action == common.HubActionSubscribe {
			resp.Connections = common.ConnectionSummary{}
			for idx, room := range req.SubscribeToRoomIDs {
				resp.Connections[room] = idx * 2
			}
		}
		_ = json.NewEncoder(w).Encode(&resp)
	}))
	defer testServer.Close()

	uut, err := GetHTTPClient(testServer.URL, time.Second)
	assert.Nil(err)

	// Case 0: count report
	{
		assert.Nil(uut.ReportConnectionCount(utCtxt, "x", 1))
		lock.Lock()
		assert.Len(received, 1)
		assert.Equal(common.HubRequest{
			Action: common.HubActionUpdate, ID: "x", ConnectionCount: 1,
		}, received[0])
		lock.Unlock()
	}

	// Case 1: subscribe
	{
		summary, err := uut.Subscribe(utCtxt, "x", []string{"b", "c"})
		assert.Nil(err)
		assert.Equal(common.ConnectionSummary{"b": 0, "c": 2}, summary)
		lock.Lock()
		assert.Len(received, 2)
		assert.Equal("x", received[1].SubscriberID)
		assert.Equal([]string{"b", "c"}, received[1].SubscribeToRoomIDs)
		lock.Unlock()
	}

	// Case 2: hub rejects
	{
		lock.Lock()
		reject = true
		lock.Unlock()
		assert.NotNil(uut.ReportConnectionCount(utCtxt, "x", 2))
		_, err := uut.Subscribe(utCtxt, "x", []string{"b"})
		assert.NotNil(err)
	}

	// Case 3: hub unreachable
	{
		unreachable, err := GetHTTPClient("http://127.0.0.1:1", time.Millisecond*200)
		assert.Nil(err)
		assert.NotNil(unreachable.ReportConnectionCount(utCtxt, "x", 2))
		_, err = unreachable.Subscribe(utCtxt, "x", []string{"b"})
		assert.NotNil(err)
	}

	// Case 4: bad URL
	{
		_, err := GetHTTPClient("not a url", time.Second)
		assert.NotNil(err)
	}
}

func TestHTTPNotifier(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	lock := sync.Mutex{}
	paths := []string{}
	var lastUpdate common.ConnectionCountUpdate
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lock.Lock()
		defer lock.Unlock()
		paths = append(paths, r.URL.Path)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&lastUpdate); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if lastUpdate.ID == "reject" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer testServer.Close()

	uut, err := GetHTTPNotifier(testServer.URL, time.Second)
	assert.Nil(err)

	// Case 0: deliver to room x
	{
		update := common.ConnectionCountUpdate{
			Action: common.HubActionUpdate, ID: "y", ConnectionCount: 6,
		}
		assert.Nil(uut.NotifyRoom(utCtxt, "x", update))
		lock.Lock()
		assert.Equal([]string{"/v1/room/x"}, paths)
		assert.Equal(update, lastUpdate)
		lock.Unlock()
	}

	// Case 1: room rejects
	{
		update := common.ConnectionCountUpdate{
			Action: common.HubActionUpdate, ID: "reject", ConnectionCount: 6,
		}
		assert.NotNil(uut.NotifyRoom(utCtxt, "x", update))
	}
}
