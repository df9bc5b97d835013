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

// Package roster holds the fixed-capacity registry of backends the
// dispatcher selects from.
package roster

import (
	"fmt"
	"sync"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
)

// MaxServers is the roster's fixed capacity, matching the reference
// implementation's MAX_SERVERS.
const MaxServers = 10

// Status is a read-only snapshot of one roster slot, used by the admin
// API and by Prometheus metrics.
type Status struct {
	Name      string  `json:"name"`
	Addr      string  `json:"addr"`
	Port      int     `json:"port"`
	State     string  `json:"state"`
	Count     int     `json:"count"`
	Max       int     `json:"max"`
	LoadRatio float64 `json:"load_ratio"`
}

// Roster is a fixed array of up to MaxServers backend slots. It is
// populated once at bootstrap; slots vacated by a dial failure are
// nulled and never reused within a run. Once the acceptor starts,
// iteration sees a stable set of populated slots — the only mutation
// after bootstrap is Close tearing down a backend's own state, never a
// Set/Clear on the roster itself.
type Roster struct {
	mu    sync.RWMutex
	slots [MaxServers]*backend.Backend
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{}
}

// Set installs b at slot i. It is intended for use only during
// bootstrap, before the dispatcher or any worker observes the roster.
func (r *Roster) Set(i int, b *backend.Backend) error {
	if i < 0 || i >= MaxServers {
		return fmt.Errorf("roster: slot %d out of range [0,%d)", i, MaxServers)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[i] = b
	return nil
}

// Clear nulls slot i. Bootstrap does not call it: a backend whose dial
// fails is never installed, so its slot stays empty.
func (r *Roster) Clear(i int) {
	if i < 0 || i >= MaxServers {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[i] = nil
}

// Backends returns the populated slots in roster order. The dispatcher
// relies on this order for its "lower index wins ties" rule.
func (r *Roster) Backends() []*backend.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*backend.Backend, 0, MaxServers)
	for _, b := range r.slots {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Len reports the number of populated slots.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.slots {
		if b != nil {
			n++
		}
	}
	return n
}

// Status returns a point-in-time snapshot of every populated backend,
// in roster order.
func (r *Roster) Status() []Status {
	backends := r.Backends()
	out := make([]Status, 0, len(backends))
	for _, b := range backends {
		out = append(out, Status{
			Name:      b.Name(),
			Addr:      b.Addr(),
			Port:      b.Port(),
			State:     b.Status().String(),
			Count:     b.Count(),
			Max:       b.Max(),
			LoadRatio: b.LoadRatio(),
		})
	}
	return out
}
