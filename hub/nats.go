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
	"fmt"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSSubjects the NATS subjects used for hub <-> room messages
type NATSSubjects struct {
	prefix string
}

// GetNATSSubjects define the subjects under a prefix
func GetNATSSubjects(prefix string) NATSSubjects {
	return NATSSubjects{prefix: prefix}
}

// HubUpdate subject of room count reports
func (s NATSSubjects) HubUpdate() string {
	return fmt.Sprintf("%s.hub.update", s.prefix)
}

// HubSubscribe subject of room subscribe requests
func (s NATSSubjects) HubSubscribe() string {
	return fmt.Sprintf("%s.hub.subscribe", s.prefix)
}

// RoomUpdate subject of update notifications for one room
func (s NATSSubjects) RoomUpdate(roomID string) string {
	return fmt.Sprintf("%s.room.%s.update", s.prefix, roomID)
}

// AllRoomUpdates wildcard subject of update notifications for every room
func (s NATSSubjects) AllRoomUpdates() string {
	return fmt.Sprintf("%s.room.*.update", s.prefix)
}

// RoomFromUpdateSubject extract the room ID from a room update subject
func (s NATSSubjects) RoomFromUpdateSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	prefixParts := strings.Split(s.prefix, ".")
	if len(parts) != len(prefixParts)+3 || parts[len(parts)-1] != "update" {
		return "", fmt.Errorf("subject '%s' is not a room update subject", subject)
	}
	return parts[len(prefixParts)+1], nil
}

// ==============================================================================

// natsClientImpl implements Client over NATS
type natsClientImpl struct {
	common.Component
	nats     *core.NatsClient
	subjects NATSSubjects
}

// GetNATSClient define a hub client which talks to the hub through NATS
func GetNATSClient(natsClient *core.NatsClient, subjects NATSSubjects) (Client, error) {
	logTags := log.Fields{
		"module": "hub", "component": "nats-client", "instance": subjects.prefix,
	}
	return &natsClientImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subjects:  subjects,
	}, nil
}

// ReportConnectionCount report the current number of clients connected to a room. This is
// a plain publish: the hub does not answer count reports.
func (c *natsClientImpl) ReportConnectionCount(
	ctxt context.Context, roomID string, count int,
) error {
	payload, err := json.Marshal(&common.HubRequest{
		Action: common.HubActionUpdate, ID: roomID, ConnectionCount: count,
	})
	if err != nil {
		return err
	}
	if err := c.nats.NATs().Publish(c.subjects.HubUpdate(), payload); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Count report for %s failed", roomID)
		return err
	}
	return nil
}

// Subscribe register subscriberID for count changes of roomIDs, and fetch their current
// counts.
func (c *natsClientImpl) Subscribe(
	ctxt context.Context, subscriberID string, roomIDs []string,
) (common.ConnectionSummary, error) {
	payload, err := json.Marshal(&common.HubRequest{
		Action:             common.HubActionSubscribe,
		SubscriberID:       subscriberID,
		SubscribeToRoomIDs: roomIDs,
	})
	if err != nil {
		return nil, err
	}
	msg, err := c.nats.NATs().RequestWithContext(ctxt, c.subjects.HubSubscribe(), payload)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Subscribe for %s failed", subscriberID)
		return nil, err
	}
	var resp common.HubSubscribeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to parse subscribe response")
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("hub rejected subscribe for %s", subscriberID)
	}
	if resp.Connections == nil {
		resp.Connections = common.ConnectionSummary{}
	}
	return resp.Connections, nil
}

// ==============================================================================

// natsNotifierImpl implements Notifier over NATS
type natsNotifierImpl struct {
	common.Component
	nats     *core.NatsClient
	subjects NATSSubjects
}

// GetNATSNotifier define a notifier which publishes updates for rooms through NATS
func GetNATSNotifier(natsClient *core.NatsClient, subjects NATSSubjects) (Notifier, error) {
	logTags := log.Fields{
		"module": "hub", "component": "nats-notifier", "instance": subjects.prefix,
	}
	return &natsNotifierImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subjects:  subjects,
	}, nil
}

// NotifyRoom deliver an update to the room subscriberID
func (n *natsNotifierImpl) NotifyRoom(
	ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate,
) error {
	payload, err := json.Marshal(&update)
	if err != nil {
		return err
	}
	return n.nats.NATs().Publish(n.subjects.RoomUpdate(subscriberID), payload)
}

// ==============================================================================

// NATSListener relays messages received through NATS into local handlers
type NATSListener interface {
	// Stop unsubscribe from NATS
	Stop() error
}

// natsListenerImpl implements NATSListener
type natsListenerImpl struct {
	common.Component
	subs []*nats.Subscription
}

// Stop unsubscribe from NATS
func (l *natsListenerImpl) Stop() error {
	for _, sub := range l.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf("Unsubscribe %s failed", sub.Subject)
			return err
		}
	}
	return nil
}

// ListenForHubRequests relay room requests published on NATS into the counter hub
func ListenForHubRequests(
	ctxt context.Context, natsClient *core.NatsClient, subjects NATSSubjects, counter Counter,
) (NATSListener, error) {
	logTags := log.Fields{
		"module": "hub", "component": "nats-hub-listener", "instance": subjects.prefix,
	}
	validate := common.GetValidator()
	instance := &natsListenerImpl{Component: common.Component{LogTags: logTags}}

	parseRequest := func(msg *nats.Msg, expected string) (common.HubRequest, error) {
		var req common.HubRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return req, err
		}
		if err := validate.Struct(&req); err != nil {
			return req, err
		}
		if req.Action != expected {
			return req, fmt.Errorf("unexpected action '%s' on %s", req.Action, msg.Subject)
		}
		return req, nil
	}

	updateSub, err := natsClient.NATs().Subscribe(subjects.HubUpdate(), func(msg *nats.Msg) {
		req, err := parseRequest(msg, common.HubActionUpdate)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Dropping invalid count report")
			return
		}
		if err := counter.ReportConnectionCount(ctxt, req.ID, req.ConnectionCount); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Count report for %s failed", req.ID)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe for count reports")
		return nil, err
	}
	instance.subs = append(instance.subs, updateSub)

	subscribeSub, err := natsClient.NATs().Subscribe(
		subjects.HubSubscribe(), func(msg *nats.Msg) {
			respond := func(resp common.HubSubscribeResponse) {
				payload, err := json.Marshal(&resp)
				if err != nil {
					log.WithError(err).WithFields(logTags).Error("Unable to serialize response")
					return
				}
				if err := msg.Respond(payload); err != nil {
					log.WithError(err).WithFields(logTags).Error("Unable to send response")
				}
			}
			failed := func(err error, msg string) {
				log.WithError(err).WithFields(logTags).Error(msg)
				respond(common.HubSubscribeResponse{
					RestAPIBaseResponse: goutils.RestAPIBaseResponse{Success: false},
				})
			}
			req, err := parseRequest(msg, common.HubActionSubscribe)
			if err != nil {
				failed(err, "Invalid subscribe request")
				return
			}
			summary, err := counter.Subscribe(ctxt, req.SubscriberID, req.SubscribeToRoomIDs)
			if err != nil {
				failed(err, "Subscribe failed")
				return
			}
			respond(common.HubSubscribeResponse{
				RestAPIBaseResponse: goutils.RestAPIBaseResponse{Success: true},
				Connections:         summary,
			})
		},
	)
	if err != nil {
		_ = instance.Stop()
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe for subscribe requests")
		return nil, err
	}
	instance.subs = append(instance.subs, subscribeSub)

	return instance, nil
}

// ListenForRoomUpdates relay update notifications published on NATS into the local rooms
func ListenForRoomUpdates(
	ctxt context.Context, natsClient *core.NatsClient, subjects NATSSubjects, rooms Notifier,
) (NATSListener, error) {
	logTags := log.Fields{
		"module": "hub", "component": "nats-room-listener", "instance": subjects.prefix,
	}
	validate := common.GetValidator()
	instance := &natsListenerImpl{Component: common.Component{LogTags: logTags}}

	sub, err := natsClient.NATs().Subscribe(subjects.AllRoomUpdates(), func(msg *nats.Msg) {
		roomID, err := subjects.RoomFromUpdateSubject(msg.Subject)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Dropping update")
			return
		}
		var update common.ConnectionCountUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			log.WithError(err).WithFields(logTags).Error("Dropping unparsable update")
			return
		}
		if err := validate.Struct(&update); err != nil {
			log.WithError(err).WithFields(logTags).Error("Dropping invalid update")
			return
		}
		if err := rooms.NotifyRoom(ctxt, roomID, update); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Update %s for %s failed", update, roomID)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe for room updates")
		return nil, err
	}
	instance.subs = append(instance.subs, sub)
	return instance, nil
}
