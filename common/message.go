package common

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alwitt/goutils"
)

// Client message types
const (
	// ClientMsgInit client message requesting counts of linked rooms
	ClientMsgInit = "init"
	// ClientMsgSubscribe alias of ClientMsgInit
	ClientMsgSubscribe = "subscribe"
	// ClientMsgUpdate server message carrying the connection count summary
	ClientMsgUpdate = "update"
)

// Hub request actions
const (
	// HubActionUpdate report a room's connection count
	HubActionUpdate = "update"
	// HubActionSubscribe subscribe to connection count changes of other rooms
	HubActionSubscribe = "subscribe"
)

// ConnectionSummary mapping from room ID to its last known connection count
type ConnectionSummary map[string]int

// Copy make an independent copy of the summary
func (s ConnectionSummary) Copy() ConnectionSummary {
	result := make(ConnectionSummary, len(s))
	for room, count := range s {
		result[room] = count
	}
	return result
}

// Merge write every entry of other into this summary
func (s ConnectionSummary) Merge(other ConnectionSummary) {
	for room, count := range other {
		s[room] = count
	}
}

// String toString function
func (s ConnectionSummary) String() string {
	rooms := make([]string, 0, len(s))
	for room := range s {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	parts := make([]string, 0, len(rooms))
	for _, room := range rooms {
		parts = append(parts, fmt.Sprintf("%s:%d", room, s[room]))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ","))
}

// ==============================================================================
// Client <-> room messages

// ClientRequest message sent by a client to the room it is connected to
type ClientRequest struct {
	Type  string   `json:"type"`
	Links []string `json:"links"`
}

// ClientUpdate message sent by a room to its clients
type ClientUpdate struct {
	Type        string            `json:"type"`
	Connections ConnectionSummary `json:"connections"`
}

// ==============================================================================
// Room <-> hub messages

// HubRequest envelope of every request sent to the counter hub. Which fields are
// relevant depends on Action.
type HubRequest struct {
	Action string `json:"action" validate:"required,oneof=update subscribe"`
	// update
	ID              string `json:"id,omitempty" validate:"required_if=Action update,omitempty,room_id"`
	ConnectionCount int    `json:"connectionCount" validate:"gte=0"`
	// subscribe
	SubscriberID       string   `json:"subscriberId,omitempty" validate:"required_if=Action subscribe,omitempty,room_id"`
	SubscribeToRoomIDs []string `json:"subscribeToRoomIds,omitempty" validate:"omitempty,dive,room_id"`
}

// HubSubscribeResponse response to a subscribe request
type HubSubscribeResponse struct {
	goutils.RestAPIBaseResponse
	Connections ConnectionSummary `json:"connections"`
}

// HubRoomsResponse response listing every room count known to the hub
type HubRoomsResponse struct {
	goutils.RestAPIBaseResponse
	Rooms ConnectionSummary `json:"rooms"`
}

// ConnectionCountUpdate notification that a room's connection count changed. The hub
// pushes this to every room subscribed to ID.
type ConnectionCountUpdate struct {
	Action          string `json:"action" validate:"required,eq=update"`
	ID              string `json:"id" validate:"required,room_id"`
	ConnectionCount int    `json:"connectionCount" validate:"gte=0"`
}

// String toString function
func (u ConnectionCountUpdate) String() string {
	return fmt.Sprintf("%s=%d", u.ID, u.ConnectionCount)
}

// RoomSummaryResponse response carrying a room's cached summary
type RoomSummaryResponse struct {
	goutils.RestAPIBaseResponse
	Connections ConnectionSummary `json:"connections"`
}
