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
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
)

// HubRequestPath hub API path receiving room requests
const HubRequestPath = "/v1/hub"

// RoomUpdatePath room API path receiving hub update notifications
const RoomUpdatePath = "/v1/room/{roomID}"

// httpClientImpl implements Client over HTTP
type httpClientImpl struct {
	common.Component
	client *resty.Client
}

// GetHTTPClient define a hub client which talks to the hub server at hubURL
func GetHTTPClient(hubURL string, requestTimeout time.Duration) (Client, error) {
	logTags := log.Fields{
		"module": "hub", "component": "http-client", "instance": hubURL,
	}
	if err := common.GetValidator().Var(hubURL, "required,url"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid hub URL")
		return nil, err
	}
	client := resty.New().
		SetBaseURL(hubURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")
	return &httpClientImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}

// ReportConnectionCount report the current number of clients connected to a room
func (c *httpClientImpl) ReportConnectionCount(
	ctxt context.Context, roomID string, count int,
) error {
	resp, err := c.client.R().
		SetContext(ctxt).
		SetBody(common.HubRequest{
			Action: common.HubActionUpdate, ID: roomID, ConnectionCount: count,
		}).
		Post(HubRequestPath)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Count report for %s failed", roomID)
		return err
	}
	if resp.IsError() {
		err := fmt.Errorf("hub rejected count report for %s: %s", roomID, resp.Status())
		log.WithError(err).WithFields(c.LogTags).Error("Count report failed")
		return err
	}
	return nil
}

// Subscribe register subscriberID for count changes of roomIDs, and fetch their current
// counts.
func (c *httpClientImpl) Subscribe(
	ctxt context.Context, subscriberID string, roomIDs []string,
) (common.ConnectionSummary, error) {
	var result common.HubSubscribeResponse
	resp, err := c.client.R().
		SetContext(ctxt).
		SetBody(common.HubRequest{
			Action:             common.HubActionSubscribe,
			SubscriberID:       subscriberID,
			SubscribeToRoomIDs: roomIDs,
		}).
		SetResult(&result).
		Post(HubRequestPath)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Subscribe for %s failed", subscriberID)
		return nil, err
	}
	if resp.IsError() || !result.Success {
		err := fmt.Errorf("hub rejected subscribe for %s: %s", subscriberID, resp.Status())
		log.WithError(err).WithFields(c.LogTags).Error("Subscribe failed")
		return nil, err
	}
	if result.Connections == nil {
		result.Connections = common.ConnectionSummary{}
	}
	return result.Connections, nil
}

// ==============================================================================

// httpNotifierImpl implements Notifier over HTTP
type httpNotifierImpl struct {
	common.Component
	client *resty.Client
}

// GetHTTPNotifier define a notifier which pushes updates to the room server at roomServerURL
func GetHTTPNotifier(roomServerURL string, requestTimeout time.Duration) (Notifier, error) {
	logTags := log.Fields{
		"module": "hub", "component": "http-notifier", "instance": roomServerURL,
	}
	if err := common.GetValidator().Var(roomServerURL, "required,url"); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid room server URL")
		return nil, err
	}
	client := resty.New().
		SetBaseURL(roomServerURL).
		SetTimeout(requestTimeout).
		SetHeader("Content-Type", "application/json")
	return &httpNotifierImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}

// NotifyRoom deliver an update to the room subscriberID
func (n *httpNotifierImpl) NotifyRoom(
	ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate,
) error {
	resp, err := n.client.R().
		SetContext(ctxt).
		SetPathParam("roomID", subscriberID).
		SetBody(update).
		Post(RoomUpdatePath)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("room %s rejected update %s: %s", subscriberID, update, resp.Status())
	}
	return nil
}
