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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/room"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestRoomHandler REST handler for the room server
type APIRestRoomHandler struct {
	APIRestHandler
	sessionCtxt   context.Context
	manager       room.Manager
	sessionParams room.SessionParams
	upgrader      *websocket.Upgrader
	validate      *validator.Validate
}

// GetAPIRestRoomHandler define APIRestRoomHandler
//
// Websocket sessions live until the client leaves or sessionCtxt is cancelled.
func GetAPIRestRoomHandler(
	sessionCtxt context.Context,
	manager room.Manager,
	sessionParams room.SessionParams,
	httpConfig *common.HTTPConfig,
) (APIRestRoomHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "room",
	}
	validate := common.GetValidator()
	if err := validate.Struct(&sessionParams); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session parameters")
		return APIRestRoomHandler{}, err
	}
	return APIRestRoomHandler{
		APIRestHandler: getAPIRestHandler(logTags, httpConfig),
		sessionCtxt:    sessionCtxt,
		manager:        manager,
		sessionParams:  sessionParams,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are anonymous, any page may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate: validate,
	}, nil
}

// readRoomID read and validate the room ID path parameter
func (h APIRestRoomHandler) readRoomID(r *http.Request) (string, error) {
	roomID, ok := mux.Vars(r)["roomID"]
	if !ok {
		return "", fmt.Errorf("room ID missing from path")
	}
	return roomID, common.ValidateRoomID(roomID)
}

// ReceiveUpdate godoc
// @Summary Deliver a connection count change to a subscribed room
// @Description Used by the counter hub to push the connection count change of a room to the
// rooms subscribed to it.
// @tags Room
// @Accept json
// @Produce json
// @Param Livecount-Request-ID header string false "User provided request ID to match against logs"
// @Param roomID path string true "Subscribed room"
// @Param update body common.ConnectionCountUpdate true "Count change"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room/{roomID} [post]
func (h APIRestRoomHandler) ReceiveUpdate(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody, "ReceiveUpdate")
	}()

	if r.Method != http.MethodPost {
		msg := "Bad request"
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, fmt.Sprintf("method %s not supported", r.Method),
		)
		return
	}

	roomID, err := h.readRoomID(r)
	if err != nil {
		msg := "Invalid room ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var update common.ConnectionCountUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&update); err != nil {
		msg := "Invalid count update"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.manager.NotifyRoom(r.Context(), roomID, update); err != nil {
		msg := "Failed to apply count update"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReceiveUpdateHandler Wrapper around ReceiveUpdate
func (h APIRestRoomHandler) ReceiveUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReceiveUpdate(w, r)
	}
}

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Join a room over websocket
// @Description Upgrade to a websocket session with the room. The client sends
// {"type":"init","links":[...]} and receives {"type":"update","connections":{...}}.
// @tags Room
// @Param roomID path string true "Room to join"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room/{roomID}/ws [get]
func (h APIRestRoomHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r)

	roomID, err := h.readRoomID(r)
	if err != nil {
		msg := "Invalid room ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		), "Connect")
		return
	}

	// Refuse before the upgrade when the room can not be hosted
	if _, err := h.manager.GetOrCreate(roomID); err != nil {
		msg := "Unable to open room"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode := http.StatusInternalServerError
		if errors.Is(err, room.ErrRoomLimit) {
			respCode = http.StatusServiceUnavailable
		}
		h.reply(w, r, respCode, h.GetStdRESTErrorMsg(
			r.Context(), respCode, msg, err.Error(),
		), "Connect")
		return
	}

	// Upgrade writes its own error response
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	session, err := room.GetWSSession(conn, h.sessionParams)
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := session.Serve(h.sessionCtxt, h.manager, roomID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Session with %s failed", roomID)
	}
}

// ConnectHandler Wrapper around Connect
func (h APIRestRoomHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// -----------------------------------------------------------------------

// GetSummary godoc
// @Summary Fetch the connection count summary cached by a room
// @Description Read-only view of the summary the room currently broadcasts to its clients
// @tags Room
// @Produce json
// @Param roomID path string true "Room"
// @Success 200 {object} common.RoomSummaryResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/room/{roomID}/summary [get]
func (h APIRestRoomHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody, "GetSummary")
	}()

	roomID, err := h.readRoomID(r)
	if err != nil {
		msg := "Invalid room ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	notFound := func() {
		msg := fmt.Sprintf("room %s has no cached summary", roomID)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
	}

	aggregator, ok := h.manager.Get(roomID)
	if !ok {
		notFound()
		return
	}
	summary, found, err := aggregator.Summary(r.Context())
	if err != nil {
		msg := "Failed to read summary"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	if !found {
		notFound()
		return
	}

	respCode = http.StatusOK
	respBody = common.RoomSummaryResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Connections: summary,
	}
}

// GetSummaryHandler Wrapper around GetSummary
func (h APIRestRoomHandler) GetSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSummary(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For room REST API liveness check
// @Description Will return success to indicate room REST API module is live
// @tags Room
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/room/alive [get]
func (h APIRestRoomHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), "Alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestRoomHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For room REST API readiness check
// @Description Will return success if room REST API module is ready for use
// @tags Room
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/room/ready [get]
func (h APIRestRoomHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), "Ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestRoomHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

// RegisterRoomRoutes register the room APIs under parentRouter
func RegisterRoomRoutes(parentRouter *mux.Router, h APIRestRoomHandler) {
	roomRouter := RegisterPathPrefix(parentRouter, "/v1/room", nil)
	_ = RegisterPathPrefix(roomRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(roomRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	perRoomRouter := roomRouter.PathPrefix("/{roomID}").Subrouter()
	_ = RegisterPathPrefix(perRoomRouter, "/ws", MethodHandlers{
		"get": h.ConnectHandler(),
	})
	_ = RegisterPathPrefix(perRoomRouter, "/summary", MethodHandlers{
		"get": h.GetSummaryHandler(),
	})
	// Any method, so non-POST calls get a 400 rather than a 405
	perRoomRouter.Path("").HandlerFunc(h.ReceiveUpdateHandler())
}
