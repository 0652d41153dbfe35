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

// Package config provides the parameter lookup used by action servers and the
// configuration file of the demo binary.
package config

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/actionlib/pkg/env"
)

// Parameters is a read-only numeric parameter store.
type Parameters interface {
	// GetFloat returns the value stored under key, or defaultValue if the key is absent.
	GetFloat(key string, defaultValue float64) float64
}

// Lookup is implemented by parameter stores that can tell a missing key from a default.
type Lookup interface {
	LookupFloat(key string) (float64, bool)
}

// StaticParameters is an in-memory parameter store.
type StaticParameters map[string]float64

func (p StaticParameters) LookupFloat(key string) (float64, bool) {
	v, ok := p[key]

	return v, ok
}

func (p StaticParameters) GetFloat(key string, defaultValue float64) float64 {
	if v, ok := p.LookupFloat(key); ok {
		return v
	}

	return defaultValue
}

// EnvParameters reads parameters from environment variables named
// Prefix + upper-cased key, e.g. ACTIONLIB_STATUS_LIST_TIMEOUT for the
// prefix "ACTIONLIB_" and the key "status_list_timeout".
type EnvParameters struct {
	Log    *zap.SugaredLogger
	Prefix string
}

func (p EnvParameters) variable(key string) string {
	return p.Prefix + strings.ToUpper(key)
}

func (p EnvParameters) LookupFloat(key string) (float64, bool) {
	v, ok, err := env.LookupFloat(p.variable(key))
	if err != nil {
		if p.Log != nil {
			p.Log.Warnf("Ignoring parameter %s: %v", key, err)
		}

		return 0, false
	}

	return v, ok
}

func (p EnvParameters) GetFloat(key string, defaultValue float64) float64 {
	if v, ok := p.LookupFloat(key); ok {
		return v
	}

	return defaultValue
}

// Layered consults each store in order and returns the first hit. Stores that
// do not implement Lookup are only asked for keys no earlier store knows, via
// GetFloat with the caller's default.
type Layered []Parameters

func (l Layered) LookupFloat(key string) (float64, bool) {
	for _, p := range l {
		if lookup, ok := p.(Lookup); ok {
			if v, found := lookup.LookupFloat(key); found {
				return v, true
			}
		}
	}

	return 0, false
}

func (l Layered) GetFloat(key string, defaultValue float64) float64 {
	if v, ok := l.LookupFloat(key); ok {
		return v
	}

	for _, p := range l {
		if _, ok := p.(Lookup); !ok {
			return p.GetFloat(key, defaultValue)
		}
	}

	return defaultValue
}

// LoadParameterFile reads a flat YAML mapping of parameter names to numbers.
func LoadParameterFile(path string) (StaticParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter file %s: %w", path, err)
	}

	return ParseParameters(data)
}

// ParseParameters decodes a flat YAML mapping of parameter names to numbers.
func ParseParameters(data []byte) (StaticParameters, error) {
	params := StaticParameters{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}

	return params, nil
}
