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

package memory

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Spinner runs callbacks on a fixed set of worker goroutines. Callbacks
// scheduled with the same key always run on the same worker and therefore
// never concurrently with each other.
type Spinner struct {
	log      *zap.SugaredLogger
	stopped  chan struct{}
	workers  []chan func()
	stopOnce sync.Once
}

// NewSpinner creates a spinner with the given number of workers. It does
// nothing until Run is called.
func NewSpinner(workers int, log *zap.SugaredLogger) *Spinner {
	if workers < 1 {
		workers = 1
	}

	s := &Spinner{log: log, stopped: make(chan struct{}), workers: make([]chan func(), workers)}
	for i := range s.workers {
		s.workers[i] = make(chan func(), 256)
	}

	return s
}

// Schedule queues fn on the worker owning key. It never blocks the caller.
// Once Run has returned, fn is discarded.
func (s *Spinner) Schedule(key string, fn func()) {
	q := s.workers[xxhash.Sum64String(key)%uint64(len(s.workers))]

	select {
	case <-s.stopped:
		return
	case q <- fn:
	default:
		// the caller may be running on this very worker
		go func() {
			select {
			case q <- fn:
			case <-s.stopped:
			}
		}()
	}
}

// Run drives the workers until ctx is cancelled. A spinner runs only once.
func (s *Spinner) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })

	g, gctx := errgroup.WithContext(ctx)

	for i, q := range s.workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case fn := <-q:
					s.invoke(i, fn)
				}
			}
		})
	}

	return g.Wait()
}

func (s *Spinner) invoke(worker int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("Callback on worker %d panicked: %v\n%s", worker, r, debug.Stack())
		}
	}()

	fn()
}
