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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
)

const (
	TransportMemory = "memory"
	TransportMQTT   = "mqtt"
)

// DemoConfig configures cmd/actionlib-demo.
type DemoConfig struct {
	Parameters  StaticParameters `yaml:"parameters,omitempty"`
	MQTT        MQTTConfig       `yaml:"mqtt,omitempty"`
	ActionName  string           `yaml:"actionName"`
	Transport   string           `yaml:"transport"`
	Goals       int              `yaml:"goals"`
	Order       int              `yaml:"order"`
	StepDelay   time.Duration    `yaml:"stepDelay"`
	GoalTimeout time.Duration    `yaml:"goalTimeout"`
	MetricsPort int              `yaml:"metricsPort"`
}

// MQTTConfig holds the broker connection used by the MQTT transport.
type MQTTConfig struct {
	BrokerURL   string `yaml:"brokerURL"`
	TopicPrefix string `yaml:"topicPrefix"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
}

// DefaultDemoConfig returns a configuration that runs entirely in-process.
func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		ActionName:  "fibonacci",
		Transport:   TransportMemory,
		Goals:       3,
		Order:       10,
		StepDelay:   100 * time.Millisecond,
		GoalTimeout: 30 * time.Second,
		MetricsPort: constants.DefaultMetricsPort,
		MQTT: MQTTConfig{
			BrokerURL:   "tcp://localhost:1883",
			TopicPrefix: "actionlib",
		},
	}
}

// LoadDemoConfig reads path on top of DefaultDemoConfig. A missing file is not an error.
func LoadDemoConfig(path string) (DemoConfig, error) {
	cfg := DefaultDemoConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the fields the demo cannot run without.
func (c DemoConfig) Validate() error {
	if c.ActionName == "" {
		return errors.New("actionName must not be empty")
	}

	switch c.Transport {
	case TransportMemory:
	case TransportMQTT:
		if c.MQTT.BrokerURL == "" {
			return errors.New("mqtt.brokerURL is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.Goals < 0 || c.Order < 0 {
		return errors.New("goals and order must not be negative")
	}

	return nil
}
