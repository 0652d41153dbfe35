// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/actionclient"
	"github.com/united-manufacturing-hub/actionlib/pkg/actionserver"
	"github.com/united-manufacturing-hub/actionlib/pkg/config"
	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
	"github.com/united-manufacturing-hub/actionlib/pkg/env"
	"github.com/united-manufacturing-hub/actionlib/pkg/logger"
	"github.com/united-manufacturing-hub/actionlib/pkg/metrics"
	"github.com/united-manufacturing-hub/actionlib/pkg/sentry"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport/memory"
	"github.com/united-manufacturing-hub/actionlib/pkg/transport/mqtt"
)

// appVersion is set at build time via -ldflags.
var appVersion = constants.DefaultAppVersion

const (
	serverNode = "fibonacci_server"
	clientNode = "fibonacci_client"
)

func main() {
	logger.Initialize()

	log := logger.For(logger.ComponentDemo)

	dsn, _ := env.GetAsString("SENTRY_DSN", false, "")
	sentry.InitSentry(appVersion, dsn, true)

	log.Infof("Starting actionlib demo %s", appVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Demo failed: %s", err)
		_ = logger.Sync()
		os.Exit(1)
	}

	log.Info("actionlib demo completed")
	_ = logger.Sync()
}

func run(ctx context.Context, log *zap.SugaredLogger) error {
	path, err := env.GetAsString("ACTIONLIB_CONFIG", false, "")
	if err != nil {
		return err
	}

	cfg, err := config.LoadDemoConfig(path)
	if err != nil {
		return err
	}

	params := config.Layered{
		config.EnvParameters{Prefix: "ACTIONLIB_", Log: logger.For(logger.ComponentConfig)},
		cfg.Parameters,
	}

	if cfg.MetricsPort > 0 {
		server := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", cfg.MetricsPort))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warnf("Failed to shut down metrics server: %s", err)
			}
		}()
	}

	serverTransport, clientTransport, closeTransports, err := newTransports(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransports()

	server, err := actionserver.New[FibonacciGoal, FibonacciResult, FibonacciFeedback](serverTransport, cfg.ActionName,
		actionserver.WithParameters(params))
	if err != nil {
		return err
	}
	defer server.Shutdown()

	server.RegisterGoalCallback(fibonacciExecutor(ctx, cfg.StepDelay, logger.ForAction(logger.ComponentActionServer, cfg.ActionName)))
	server.RegisterCancelCallback(func(h *fibonacciHandle) {
		log.Infof("Cancel requested for goal %s", h.GoalID().ID)
	})

	if err := server.Start(ctx); err != nil {
		return err
	}

	client, err := actionclient.New[FibonacciGoal, FibonacciResult, FibonacciFeedback](clientTransport, cfg.ActionName)
	if err != nil {
		return err
	}
	defer client.Shutdown()

	return sendGoals(ctx, client, cfg, log)
}

func sendGoals(ctx context.Context, client *actionclient.ActionClient[FibonacciGoal, FibonacciResult, FibonacciFeedback], cfg config.DemoConfig, log *zap.SugaredLogger) error {
	if !client.WaitForActionServerToStart(ctx) {
		return fmt.Errorf("action server %s did not come up: %w", cfg.ActionName, ctx.Err())
	}

	feedback := actionclient.OnFeedback(func(h *actionclient.ClientGoalHandle[FibonacciGoal, FibonacciResult, FibonacciFeedback], fb *FibonacciFeedback) {
		log.Debugf("Goal %s progressed: %v", h.GoalID().ID, fb.Sequence)
	})

	for i := 0; i < cfg.Goals; i++ {
		goalCtx, cancel := context.WithTimeout(ctx, cfg.GoalTimeout)
		res, err := client.SendGoalAndWait(goalCtx, &FibonacciGoal{Order: cfg.Order}, feedback)
		cancel()

		var failed *actionclient.ActionFailedError

		switch {
		case err == nil:
			log.Infof("Goal %d finished: %v", i+1, res.Sequence)
		case errors.As(err, &failed):
			log.Warnf("Goal %d ended as %s: %s", i+1, failed.FinalStatus, failed.StatusText)
		default:
			return fmt.Errorf("goal %d: %w", i+1, err)
		}

		if ctx.Err() != nil {
			log.Info("Interrupted, not sending further goals")

			return nil
		}
	}

	return nil
}

// newTransports returns the server's and the client's view of the configured transport.
func newTransports(ctx context.Context, cfg config.DemoConfig) (transport.Transport, transport.Transport, func(), error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		log := logger.For(logger.ComponentMQTTTransport)

		serverClient, err := mqtt.Dial(ctx, cfg.MQTT, "actionlib-demo-"+serverNode, log)
		if err != nil {
			return nil, nil, nil, err
		}

		clientClient, err := mqtt.Dial(ctx, cfg.MQTT, "actionlib-demo-"+clientNode, log)
		if err != nil {
			serverClient.Disconnect(250)

			return nil, nil, nil, err
		}

		closeAll := func() {
			clientClient.Disconnect(250)
			serverClient.Disconnect(250)
		}

		serverTransport, err := mqtt.New(serverClient, serverNode, cfg.MQTT.TopicPrefix, log)
		if err != nil {
			closeAll()

			return nil, nil, nil, err
		}

		clientTransport, err := mqtt.New(clientClient, clientNode, cfg.MQTT.TopicPrefix, log)
		if err != nil {
			closeAll()

			return nil, nil, nil, err
		}

		return serverTransport, clientTransport, closeAll, nil
	default:
		bus := memory.NewBus(memory.WithWorkers(4))

		return bus.Node(serverNode), bus.Node(clientNode), bus.Close, nil
	}
}
