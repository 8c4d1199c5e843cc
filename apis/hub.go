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
	"encoding/json"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/hub"
	"github.com/alwitt/livecount/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestHubHandler REST handler for the counter hub
type APIRestHubHandler struct {
	APIRestHandler
	counter  hub.Counter
	metrics  *metrics.Collectors
	validate *validator.Validate
}

// GetAPIRestHubHandler define APIRestHubHandler
func GetAPIRestHubHandler(
	counter hub.Counter, collectors *metrics.Collectors, httpConfig *common.HTTPConfig,
) (APIRestHubHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "hub",
	}
	return APIRestHubHandler{
		APIRestHandler: getAPIRestHandler(logTags, httpConfig),
		counter:        counter,
		metrics:        collectors,
		validate:       common.GetValidator(),
	}, nil
}

// HubRequest godoc
// @Summary Report a room's connection count, or subscribe to other rooms' counts
// @Description Action "update" records the connection count of a room. Action "subscribe"
// registers the subscriber for count changes of the listed rooms, and returns their counts.
// @tags Hub
// @Accept json
// @Produce json
// @Param Livecount-Request-ID header string false "User provided request ID to match against logs"
// @Param request body common.HubRequest true "Hub request"
// @Success 200 {object} common.HubSubscribeResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/hub [post]
func (h APIRestHubHandler) HubRequest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTags(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody, "HubRequest")
	}()

	var req common.HubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		msg := "Invalid hub request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	switch req.Action {
	case common.HubActionUpdate:
		err := h.counter.ReportConnectionCount(r.Context(), req.ID, req.ConnectionCount)
		h.metrics.HubRequest(req.Action, err)
		if err != nil {
			msg := "Failed to record connection count"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())

	case common.HubActionSubscribe:
		summary, err := h.counter.Subscribe(r.Context(), req.SubscriberID, req.SubscribeToRoomIDs)
		h.metrics.HubRequest(req.Action, err)
		if err != nil {
			msg := "Failed to subscribe"
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
		respCode = http.StatusOK
		respBody = common.HubSubscribeResponse{
			RestAPIBaseResponse: goutils.RestAPIBaseResponse{
				Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
			},
			Connections: summary,
		}
	}
}

// HubRequestHandler Wrapper around HubRequest
func (h APIRestHubHandler) HubRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.HubRequest(w, r)
	}
}

// -----------------------------------------------------------------------

// ListRooms godoc
// @Summary List recorded room connection counts
// @Description Fetch the connection count of every room which reported one
// @tags Hub
// @Produce json
// @Success 200 {object} common.HubRoomsResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/hub/rooms [get]
func (h APIRestHubHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, common.HubRoomsResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Rooms: h.counter.ListCounts(),
	}, "ListRooms")
}

// ListRoomsHandler Wrapper around ListRooms
func (h APIRestHubHandler) ListRoomsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListRooms(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For hub REST API liveness check
// @Description Will return success to indicate hub REST API module is live
// @tags Hub
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/hub/alive [get]
func (h APIRestHubHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), "Alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestHubHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For hub REST API readiness check
// @Description Will return success if hub REST API module is ready for use
// @tags Hub
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/hub/ready [get]
func (h APIRestHubHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), "Ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestHubHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

// RegisterHubRoutes register the hub APIs under parentRouter
func RegisterHubRoutes(parentRouter *mux.Router, h APIRestHubHandler) {
	hubRouter := RegisterPathPrefix(parentRouter, hub.HubRequestPath, MethodHandlers{
		"post": h.HubRequestHandler(),
	})
	_ = RegisterPathPrefix(hubRouter, "/rooms", MethodHandlers{
		"get": h.ListRoomsHandler(),
	})
	_ = RegisterPathPrefix(hubRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(hubRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
}
