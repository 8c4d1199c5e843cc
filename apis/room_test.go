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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/hub"
	"github.com/alwitt/livecount/room"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func testSessionParams() room.SessionParams {
	return room.SessionParams{
		ReadLimit: 4096, PingInterval: time.Second, WriteTimeout: time.Second, SendQueueDepth: 8,
	}
}

func TestRoomAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Hub running in process
	var manager room.Manager
	counter, err := hub.GetCounter(utCtxt, "ut-room-api", hub.NotifierFunc(func(
		ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate,
	) error {
		return manager.NotifyRoom(ctxt, subscriberID, update)
	}), hub.CounterParams{
		NotifyWorkers: 2, NotifyQueueDepth: 8, NotifyTimeout: time.Second,
	}, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(counter.Stop())
	}()

	store, err := room.GetMemorySummaryStore(8)
	assert.Nil(err)
	manager, err = room.GetManager(utCtxt, room.ManagerParams{
		ExpiryDelay: time.Minute, EventQueueDepth: 8, HubRequestTimeout: time.Second, MaxRooms: 16,
	}, counter, store, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(manager.Stop())
	}()

	_, err = GetAPIRestRoomHandler(utCtxt, manager, room.SessionParams{}, testHTTPConfig())
	assert.NotNil(err)

	uut, err := GetAPIRestRoomHandler(utCtxt, manager, testSessionParams(), testHTTPConfig())
	assert.Nil(err)
	router := mux.NewRouter()
	router.Use(uut.AttachRequestID)
	RegisterRoomRoutes(router, uut)

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

	update := common.ConnectionCountUpdate{
		Action: common.HubActionUpdate, ID: "y", ConnectionCount: 3,
	}

	// Case 0: health
	{
		assert.Equal(http.StatusOK, call("GET", "/v1/room/alive", nil).Code)
		assert.Equal(http.StatusOK, call("GET", "/v1/room/ready", nil).Code)
	}

	// Case 1: hub push with the wrong method or payload
	{
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/room/x", nil).Code)
		assert.Equal(http.StatusBadRequest, call("PUT", "/v1/room/x", update).Code)
		assert.Equal(http.StatusBadRequest, call("DELETE", "/v1/room/x", nil).Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/room/x", "{bad json").Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/room/x", map[string]interface{}{
			"action": "subscribe", "id": "y", "connectionCount": 3,
		}).Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/room/x", map[string]interface{}{
			"action": "update", "id": "y", "connectionCount": -3,
		}).Code)
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/room/bad.room", update).Code)
	}

	// Case 2: hub push to a room not running here
	{
		assert.Equal(http.StatusOK, call("POST", "/v1/room/x", update).Code)
		_, ok := manager.Get("x")
		assert.False(ok)
	}

	// Case 3: summary of rooms without a cache
	{
		assert.Equal(http.StatusNotFound, call("GET", "/v1/room/x/summary", nil).Code)
		_, err := manager.GetOrCreate("x")
		assert.Nil(err)
		assert.Equal(http.StatusNotFound, call("GET", "/v1/room/x/summary", nil).Code)
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/room/bad.room/summary", nil).Code)
	}

	// Case 4: hub push to a running room without a cache changes nothing
	{
		assert.Equal(http.StatusOK, call("POST", "/v1/room/x", update).Code)
		assert.Equal(http.StatusNotFound, call("GET", "/v1/room/x/summary", nil).Code)
	}

	// Case 5: plain GET on the websocket path is refused
	{
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/room/x/ws", nil).Code)
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/room/bad.room/ws", nil).Code)
	}

	// Case 6: health route names are not rooms
	{
		assert.Equal(http.StatusBadRequest, call("POST", "/v1/room/alive", update).Code)
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/room/ready/ws", nil).Code)
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/room/alive/summary", nil).Code)
		_, ok := manager.Get("ready")
		assert.False(ok)
		assert.Equal(http.StatusOK, call("GET", "/v1/room/alive", nil).Code)
		assert.Equal(http.StatusOK, call("GET", "/v1/room/ready", nil).Code)
	}

	// Case 7: no more rooms can be hosted
	{
		for idx := 0; ; idx++ {
			_, err := manager.GetOrCreate(fmt.Sprintf("fill-%d", idx))
			if err != nil {
				assert.True(errors.Is(err, room.ErrRoomLimit))
				break
			}
		}
		assert.Equal(http.StatusServiceUnavailable, call("GET", "/v1/room/z/ws", nil).Code)
		assert.Equal(http.StatusBadRequest, call("GET", "/v1/room/x/ws", nil).Code)
	}
}

// ===============================================================================

// pageLinks sample page topology: which pages each page links to
var pageLinks = map[string][]string{
	"a": {"b", "c", "d"},
	"b": {"a", "b", "c"},
	"c": {"a", "b", "d"},
	"d": {"a"},
}

type pageClient struct {
	page string
	conn *websocket.Conn
}

func dialPage(t *testing.T, roomServerURL, page string) *pageClient {
	wsURL := fmt.Sprintf(
		"ws%s/v1/room/%s/ws", strings.TrimPrefix(roomServerURL, "http"), page,
	)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(t, err)
	return &pageClient{page: page, conn: conn}
}

func (c *pageClient) sendInit(t *testing.T) {
	msg, err := json.Marshal(&common.ClientRequest{
		Type: common.ClientMsgInit, Links: pageLinks[c.page],
	})
	assert.Nil(t, err)
	assert.Nil(t, c.conn.WriteMessage(websocket.TextMessage, msg))
}

// waitFor read updates until one matches expected
func (c *pageClient) waitFor(t *testing.T, expected common.ConnectionSummary) bool {
	deadline := time.Now().Add(time.Second * 3)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(deadline)
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			assert.Nil(t, err)
			return false
		}
		var msg common.ClientUpdate
		assert.Nil(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, common.ClientMsgUpdate, msg.Type)
		if assert.ObjectsAreEqual(expected, msg.Connections) {
			return true
		}
		log.Debugf("Page %s saw %s, waiting for %s", c.page, msg.Connections, expected)
	}
	return false
}

func (c *pageClient) close() {
	_ = c.conn.WriteMessage(
		websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	_ = c.conn.Close()
}

func TestPagesOverHTTP(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	hubRouter := mux.NewRouter()
	hubServer := httptest.NewServer(hubRouter)
	defer hubServer.Close()
	roomRouter := mux.NewRouter()
	roomServer := httptest.NewServer(roomRouter)
	defer roomServer.Close()

	// Hub side
	notifier, err := hub.GetHTTPNotifier(roomServer.URL, time.Second)
	assert.Nil(err)
	counter, err := hub.GetCounter(utCtxt, "ut-pages", notifier, hub.CounterParams{
		NotifyWorkers: 2, NotifyQueueDepth: 16, NotifyTimeout: time.Second,
	}, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(counter.Stop())
	}()
	hubHandler, err := GetAPIRestHubHandler(counter, nil, testHTTPConfig())
	assert.Nil(err)
	hubRouter.Use(hubHandler.AttachRequestID)
	RegisterHubRoutes(hubRouter, hubHandler)

	// Room side
	hubClient, err := hub.GetHTTPClient(hubServer.URL, time.Second)
	assert.Nil(err)
	store, err := room.GetMemorySummaryStore(16)
	assert.Nil(err)
	manager, err := room.GetManager(utCtxt, room.ManagerParams{
		ExpiryDelay: time.Minute, EventQueueDepth: 8, HubRequestTimeout: time.Second, MaxRooms: 16,
	}, hubClient, store, nil, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(manager.Stop())
	}()
	sessionCtxt, sessionCtxtCancel := context.WithCancel(utCtxt)
	defer sessionCtxtCancel()
	roomHandler, err := GetAPIRestRoomHandler(
		sessionCtxt, manager, testSessionParams(), testHTTPConfig(),
	)
	assert.Nil(err)
	roomRouter.Use(roomHandler.AttachRequestID)
	RegisterRoomRoutes(roomRouter, roomHandler)

	waitForCount := func(page string, expected int) {
		assert.Eventually(func() bool {
			count, ok := counter.GetCount(page)
			return ok && count == expected
		}, time.Second*2, time.Millisecond*10)
	}

	// Page a opens, nobody else is around
	clientA := dialPage(t, roomServer.URL, "a")
	waitForCount("a", 1)
	clientA.sendInit(t)
	assert.True(clientA.waitFor(t, common.ConnectionSummary{"b": 0, "c": 0, "d": 0}))

	// Page b opens; it links to itself
	clientB := dialPage(t, roomServer.URL, "b")
	waitForCount("b", 1)
	clientB.sendInit(t)
	assert.True(clientB.waitFor(t, common.ConnectionSummary{"a": 1, "b": 1, "c": 0}))
	// a hears about b
	assert.True(clientA.waitFor(t, common.ConnectionSummary{"b": 1, "c": 0, "d": 0}))

	// A second reader on page b
	clientB2 := dialPage(t, roomServer.URL, "b")
	waitForCount("b", 2)
	assert.True(clientA.waitFor(t, common.ConnectionSummary{"b": 2, "c": 0, "d": 0}))
	assert.True(clientB.waitFor(t, common.ConnectionSummary{"a": 1, "b": 2, "c": 0}))
	assert.True(clientB2.waitFor(t, common.ConnectionSummary{"a": 1, "b": 2, "c": 0}))

	// Page d opens and closes
	clientD := dialPage(t, roomServer.URL, "d")
	waitForCount("d", 1)
	assert.True(clientA.waitFor(t, common.ConnectionSummary{"b": 2, "c": 0, "d": 1}))
	clientD.close()
	waitForCount("d", 0)
	assert.True(clientA.waitFor(t, common.ConnectionSummary{"b": 2, "c": 0, "d": 0}))

	// Cached summary of a is visible over REST
	{
		resp, err := http.Get(fmt.Sprintf("%s/v1/room/a/summary", roomServer.URL))
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		var parsed common.RoomSummaryResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.Equal(common.ConnectionSummary{"b": 2, "c": 0, "d": 0}, parsed.Connections)
	}

	// Rooms running in the room server
	rooms := manager.List()
	sort.Strings(rooms)
	assert.Equal([]string{"a", "b", "d"}, rooms)

	clientB2.close()
	clientB.close()
	clientA.close()
	waitForCount("a", 0)
	waitForCount("b", 0)
}
