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

// Package dispatch selects a backend for each newly accepted client and
// hands the client over to it.
package dispatch

import (
	"errors"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
	"github.com/dlorenc/tcplb/pkg/lb/roster"
)

// ErrNoBackendAvailable is returned by Assign when every roster backend
// is either closed or at capacity. The caller owns the rejected
// client's socket and must close it.
var ErrNoBackendAvailable = errors.New("dispatch: no backend available")

// Dispatcher selects the least-loaded backend in the roster for each
// accepted client.
type Dispatcher struct {
	roster *roster.Roster
}

// New creates a Dispatcher over the given roster.
func New(r *roster.Roster) *Dispatcher {
	return &Dispatcher{roster: r}
}

// Assign picks the backend with the lowest count/max ratio among all
// populated roster slots and appends c to its poll set. Ties favor the
// lower roster index, since Backends() is iterated in roster order and
// the comparison below is a strict less-than. A backend already at
// capacity is skipped rather than selected at ratio 1.0.
func (d *Dispatcher) Assign(c *backend.Client) (*backend.Backend, error) {
	backends := d.roster.Backends()

	var best *backend.Backend
	bestLoad := 1.0

	for _, b := range backends {
		if b.Status() != backend.StatusActive {
			continue
		}
		if b.Count() >= b.Max() {
			continue
		}
		load := b.LoadRatio()
		if load < bestLoad {
			bestLoad = load
			best = b
		}
	}

	if best == nil {
		return nil, ErrNoBackendAvailable
	}

	if err := best.AppendClient(c); err != nil {
		return nil, err
	}
	return best, nil
}
