// Copyright 2024 Chainguard, Inc.
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

// Package worker runs the per-backend poll loop that drains data from a
// backend's assigned clients.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
)

// DefaultPollTimeout is the poll(2) timeout used between readiness
// checks when no override is given. It bounds how promptly the worker
// notices a shutdown request or a newly assigned client count.
const DefaultPollTimeout = 100 * time.Millisecond

// Worker drains one backend's poll set until its context is canceled or
// the backend is closed.
type Worker struct {
	backend     *backend.Backend
	forwarder   backend.Forwarder
	log         backend.Logger
	recorder    backend.DisconnectRecorder
	pollTimeout time.Duration
	stopped     atomic.Bool
}

// New creates a Worker for b. fwd may be nil, in which case drained
// payload bytes are discarded after being read. rec may be nil, in
// which case disconnects are not reported to metrics. pollTimeout of
// zero uses DefaultPollTimeout.
func New(b *backend.Backend, fwd backend.Forwarder, log backend.Logger, pollTimeout time.Duration, rec backend.DisconnectRecorder) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Worker{
		backend:     b,
		forwarder:   fwd,
		log:         log,
		recorder:    rec,
		pollTimeout: pollTimeout,
	}
}

// Run blocks, alternately waiting for at least one assigned client and
// polling the backend's poll set, until ctx is canceled or the backend
// is closed. Canceling ctx closes the backend, which also releases a
// wait for clients. It is meant to be run as one goroutine per backend,
// as spawned by bootstrap.
func (w *Worker) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = w.backend.Close() })
	defer stop()

	for {
		if ctx.Err() != nil || w.stopped.Load() {
			return
		}

		n, ok := w.backend.WaitForClients()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}

		w.backend.PollAndDrain(n, w.pollTimeout, w.forwarder, w.log, w.recorder)
	}
}

// Stop signals the worker's loop to exit after its current iteration.
// It does not itself unblock a WaitForClients call; closing the
// backend does that.
func (w *Worker) Stop() {
	w.stopped.Store(true)
}
