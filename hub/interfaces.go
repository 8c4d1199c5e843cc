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

	"github.com/alwitt/livecount/common"
)

// Client the counter hub API consumed by rooms
//
// ReportConnectionCount is the notify mode request: callers do not need anything back beyond
// success. Subscribe is the query mode request: the caller waits for the summary.
type Client interface {
	// ReportConnectionCount report the current number of clients connected to a room
	ReportConnectionCount(ctxt context.Context, roomID string, count int) error
	// Subscribe register subscriberID for count changes of roomIDs, and fetch their current
	// counts. Rooms without a recorded count are reported as 0.
	Subscribe(
		ctxt context.Context, subscriberID string, roomIDs []string,
	) (common.ConnectionSummary, error)
}

// Notifier delivers connection count update notifications to a subscribed room
type Notifier interface {
	// NotifyRoom deliver an update to the room subscriberID
	NotifyRoom(ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate) error
}

// NotifierFunc adapts a function into a Notifier
type NotifierFunc func(
	ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate,
) error

// NotifyRoom calls f
func (f NotifierFunc) NotifyRoom(
	ctxt context.Context, subscriberID string, update common.ConnectionCountUpdate,
) error {
	return f(ctxt, subscriberID, update)
}
