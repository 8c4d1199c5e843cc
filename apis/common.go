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
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livecount/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// RegisterMetrics expose the prometheus metrics of gatherer at "/metrics"
func RegisterMetrics(parentRouter *mux.Router, gatherer prometheus.Gatherer) {
	parentRouter.Handle(
		"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	).Methods(http.MethodGet)
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// getAPIRestHandler define the base REST handler from the HTTP config
func getAPIRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) APIRestHandler {
	offLimitHeaders := make(map[string]bool)
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		offLimitHeaders[header] = true
	}
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders:          offLimitHeaders,
		},
		requestIDHeader: requestIDHeader,
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// logTags log metadata of a request
func (h APIRestHandler) logTags(r *http.Request) log.Fields {
	tags := h.GetLogTagsForContext(r.Context())
	if updated, err := common.UpdateLogTags(r.Context(), tags); err == nil {
		return updated
	}
	return tags
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, resp interface{}, restCall string,
) {
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(h.logTags(r)).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}
