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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/hub"
	"github.com/alwitt/livecount/metrics"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Livecount-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

type recordingNotifier struct {
	lock     sync.Mutex
	received map[string][]common.ConnectionCountUpdate
}

func (n *recordingNotifier) NotifyRoom(
	_ context.Context, subscriberID string, update common.ConnectionCountUpdate,
) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.received[subscriberID] = append(n.received[subscriberID], update)
	return nil
}

func (n *recordingNotifier) count(subscriberID string) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.received[subscriberID])
}

func TestHubAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry := prometheus.NewRegistry()
	collectors, err := metrics.GetCollectors(registry)
	assert.Nil(err)

	notifier := &recordingNotifier{received: map[string][]common.ConnectionCountUpdate{}}
	counter, err := hub.GetCounter(utCtxt, "ut-hub-api", notifier, hub.CounterParams{
		NotifyWorkers: 2, NotifyQueueDepth: 8, NotifyTimeout: time.Second,
	}, collectors, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(counter.Stop())
	}()

	uut, err := GetAPIRestHubHandler(counter, collectors, testHTTPConfig())
	assert.Nil(err)
	router := mux.NewRouter()
	router.Use(uut.AttachRequestID)
	RegisterHubRoutes(router, uut)
	RegisterMetrics(router, registry)

	call := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		var payload []byte
		switch v := body.(type) {
		case nil:
		case string:
			payload = []byte(v)
		default:
			payload, err = json.Marshal(v)
			assert.Nil(err)
		}
		req, err := http.NewRequest(method, path, bytes.NewReader(payload))
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: health
	{
		assert.Equal(http.StatusOK, call("GET", "/v1/hub/alive", nil).Code)
		assert.Equal(http.StatusOK, call("GET", "/v1/hub/ready", nil).Code)
	}

	// Case 1: invalid requests
	{
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/hub", "{not json").Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/hub", common.HubRequest{
			Action: "delete", ID: "x",
		}).Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/hub", common.HubRequest{
			Action: common.HubActionUpdate, ID: "bad room", ConnectionCount: 1,
		}).Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/hub", common.HubRequest{
			Action: common.HubActionUpdate, ID: "x", ConnectionCount: -1,
		}).Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/hub", common.HubRequest{
			Action: common.HubActionSubscribe, SubscribeToRoomIDs: []string{"y"},
		}).Code)
		assert.Empty(counter.ListCounts())
	}

	// Case 2: count report
	{
		resp := call("POST", "/v1/hub", common.HubRequest{
			Action: common.HubActionUpdate, ID: "y", ConnectionCount: 5,
		})
		assert.Equal(http.StatusOK, resp.Code)
		count, ok := counter.GetCount("y")
		assert.True(ok)
		assert.Equal(5, count)
	}

	// Case 3: subscribe
	{
		resp := call("POST", "/v1/hub", common.HubRequest{
			Action:             common.HubActionSubscribe,
			SubscriberID:       "x",
			SubscribeToRoomIDs: []string{"y", "z"},
		})
		assert.Equal(http.StatusOK, resp.Code)
		var parsed common.HubSubscribeResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Equal(common.ConnectionSummary{"y": 5, "z": 0}, parsed.Connections)
		assert.Equal([]string{"x"}, counter.Subscribers("y"))
	}

	// Case 4: count change reaches the subscriber
	{
		resp := call("POST", "/v1/hub", common.HubRequest{
			Action: common.HubActionUpdate, ID: "y", ConnectionCount: 6,
		})
		assert.Equal(http.StatusOK, resp.Code)
		assert.Eventually(func() bool {
			return notifier.count("x") == 1
		}, time.Second, time.Millisecond*10)
	}

	// Case 5: list rooms
	{
		resp := call("GET", "/v1/hub/rooms", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed common.HubRoomsResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Equal(common.ConnectionSummary{"y": 6}, parsed.Rooms)
	}

	// Case 6: metrics
	{
		resp := call("GET", "/metrics", nil)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Contains(resp.Body.String(), "livecount_hub_requests_total")
	}
}
