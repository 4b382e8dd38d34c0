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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/railops/tracksync/apis"
	"github.com/railops/tracksync/common"
	"github.com/railops/tracksync/core"
	"github.com/railops/tracksync/gateway"
	"github.com/railops/tracksync/subscription"
	"github.com/railops/tracksync/timeline"
	"github.com/railops/tracksync/validation"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineJobQueue select and define the validation job queue backing
func defineJobQueue(
	config common.ValidationConfig, natsClient *core.NatsClient,
) (validation.JobQueue, error) {
	switch config.QueueBackend {
	case "memory":
		return validation.GetMemoryJobQueue(config.QueueDepth)
	case "jetstream":
		if natsClient == nil {
			return nil, fmt.Errorf("jetstream queue backend requires a NATS client")
		}
		return validation.GetJetStreamJobQueue(
			natsClient, config.StreamName, config.SubjectName, config.ConsumerName,
		)
	default:
		return nil, fmt.Errorf("unknown queue backend '%s'", config.QueueBackend)
	}
}

// RunGatewayServer run the realtime timeline gateway server
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Define the delivery pipeline

	repository, err := timeline.GetInMemoryRepository()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define activity repository")
		return err
	}

	registry, err := subscription.GetShardedRegistry()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}

	ledger, err := gateway.GetRequestLedger()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request ledger")
		return err
	}

	manager, err := gateway.GetSessionManager()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}

	jobQueue, err := defineJobQueue(config.Validation, natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define validation job queue")
		return err
	}

	fanOutTP, err := common.GetNewTaskDemuxProcessorInstance(
		"broadcast", config.Broadcast.TaskBuffer, config.Broadcast.Workers, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out processor")
		return err
	}

	broadcaster, err := gateway.GetBroadcaster(fanOutTP, registry, manager, ledger)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	if err := fanOutTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start fan-out processor")
		return err
	}

	// Every repository mutation, whatever triggered it, flows out through
	// the broadcaster
	repository.OnChange(func(change timeline.ActivityChange) {
		if err := broadcaster.SubmitActivityChange(change, localCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to fan out change of %s", change.Activity.ID,
			)
		}
	})

	ruleEngine, err := validation.GetTemporalOrderRuleEngine()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define rule engine")
		return err
	}

	workerPool, err := validation.GetValidationWorkerPool(localCtxt, validation.WorkerPoolParams{
		Queue:  jobQueue,
		Engine: ruleEngine,
		Store:  repository,
		ResultCB: func(result validation.Result) {
			if err := broadcaster.SubmitValidationResult(result, localCtxt); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Unable to route result of request %s", result.RequestID,
				)
			}
		},
		Workers:        config.Validation.Workers,
		MaxAttempts:    config.Validation.Retry.MaxAttempts,
		InitialBackoff: time.Millisecond * time.Duration(config.Validation.Retry.InitialBackoff),
		MaxBackoff:     time.Millisecond * time.Duration(config.Validation.Retry.MaxBackoff),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define validation workers")
		return err
	}
	if err := workerPool.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start validation workers")
		return err
	}

	// Periodic pipeline stats for operators
	statsTimer, err := common.GetIntervalTimerInstance("pipeline-stats", localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stats timer")
		return err
	}
	if err := statsTimer.Start(time.Minute, func() error {
		log.WithFields(logTags).Infof("Live subscriptions: %d", registry.Count())
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start stats timer")
		return err
	}
	defer func() {
		_ = statsTimer.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	readyCheck := func() error {
		if config.Validation.QueueBackend == "jetstream" {
			if natsClient == nil || !natsClient.NATs().IsConnected() {
				return fmt.Errorf("NATS connection is down")
			}
		}
		return nil
	}

	httpHandler, err := apis.GetAPIRestGatewayHandler(
		localCtxt,
		&config.Gateway.HTTPSetting,
		gateway.SessionParams{
			Registry:   registry,
			Repository: repository,
			Ledger:     ledger,
			Queue:      jobQueue,
			Manager:    manager,
			WSConfig:   config.Gateway.Websocket,
		},
		readyCheck,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Gateway.Endpoints.PathPrefix, nil)

	// Websocket attach
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/timeline/attach", map[string]http.HandlerFunc{
			"get": httpHandler.AttachHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d",
		config.Gateway.HTTPSetting.Server.ListenOn,
		config.Gateway.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.Gateway.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.Gateway.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Gateway.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
