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

package mqtt

import (
	"context"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/config"
)

// Dial connects to the broker in cfg. The returned client reconnects on its
// own; the caller disconnects it when done.
func Dial(ctx context.Context, cfg config.MQTTConfig, clientID string, log *zap.SugaredLogger) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}

	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		log.Infof("Connected to MQTT broker %s as %s", cfg.BrokerURL, clientID)
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		log.Warnf("Connection to MQTT broker %s lost: %s", cfg.BrokerURL, err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)

		return nil, fmt.Errorf("connecting to %s: %w", cfg.BrokerURL, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.BrokerURL, err)
	}

	return client, nil
}
