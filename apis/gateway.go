// Copyright 2024-2025 The tracksync Authors
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
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/gateway"
)

// ReadinessProbe reports whether the delivery pipeline is ready for traffic
type ReadinessProbe func() error

// APIRestGatewayHandler REST handler for the realtime timeline gateway
type APIRestGatewayHandler struct {
	goutils.RestAPIHandler
	sessionParams gateway.SessionParams
	upgrader      websocket.Upgrader
	readyCheck    ReadinessProbe
	baseContext   context.Context
	wg            *sync.WaitGroup
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	sessionParams gateway.SessionParams,
	readyCheck ReadinessProbe,
	wg *sync.WaitGroup,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	return APIRestGatewayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		sessionParams: sessionParams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  sessionParams.WSConfig.ReadBufferSize,
			WriteBufferSize: sessionParams.WSConfig.WriteBufferSize,
			// The gateway sits behind edge auth, origin enforcement is not
			// performed here
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readyCheck:  readyCheck,
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// Write logging support
func (h APIRestGatewayHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Websocket attach

// -----------------------------------------------------------------------

// Attach godoc
// @Summary Attach a realtime timeline session
// @Description Upgrade the request to a websocket carrying the timeline sync protocol
// @tags Gateway
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/timeline/attach [get]
func (h APIRestGatewayHandler) Attach(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	session, err := gateway.GetSession(conn, h.sessionParams)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = conn.Close()
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	session.Serve(h.baseContext)
}

// AttachHandler Wrapper around Attach
func (h APIRestGatewayHandler) AttachHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Attach(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For gateway REST API liveness check
// @Description Will return success to indicate gateway REST API module is live
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway REST API readiness check
// @Description Will return success if gateway REST API module is ready for use
// @tags Gateway
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.readyCheck(); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
