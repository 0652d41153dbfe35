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

package sentry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/actionlib/pkg/constants"
)

// debouncer remembers when an issue of a given kind was last sent.
type debouncer struct {
	lastSent map[string]time.Time
	mu       sync.Mutex
}

var sent = &debouncer{lastSent: make(map[string]time.Time)}

// allow reports whether an issue with this key may be sent now and records it if so.
func (d *debouncer) allow(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSent[key]; ok && now.Sub(last) < constants.SentryDebounceInterval {
		return false
	}

	d.lastSent[key] = now

	return true
}

func debounceKey(level sentry.Level, context map[string]interface{}) string {
	return fmt.Sprintf("%s/%v/%v", level, context["action"], context["operation"])
}

// reportError logs the error and, unless debounced, sends it to sentry with all goroutines attached.
func reportError(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error(err)

	if shouldDebounceErrors.Load() && !sent.allow(debounceKey(sentry.LevelError, context), time.Now()) {
		return
	}

	sendEvent(newEvent(sentry.LevelError, err, context))
}

// reportWarning logs the warning and, unless debounced, sends it to sentry.
func reportWarning(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Warn(err)

	if shouldDebounceErrors.Load() && !sent.allow(debounceKey(sentry.LevelWarning, context), time.Now()) {
		return
	}

	sendEvent(newEvent(sentry.LevelWarning, err, context))
}
