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

// Package forward provides Backend.Forwarder implementations.
//
// Upstream-to-backend byte forwarding is an explicitly open question:
// the reference source reads a client's payload and never relays it
// anywhere. TraceForwarder preserves that behavior as an observable,
// documented contract instead of a silent no-op, and UpstreamForwarder
// gives a real implementation for callers that want one.
package forward

import (
	"github.com/dlorenc/tcplb/pkg/lb/backend"
)

// TraceForwarder logs every payload it receives instead of relaying it
// anywhere, matching the reference implementation's behavior.
type TraceForwarder struct {
	Log backend.Logger
}

// Forward logs the payload length and returns nil.
func (f TraceForwarder) Forward(b *backend.Backend, buf []byte) error {
	if f.Log != nil {
		name := ""
		if b != nil {
			name = b.Name()
		}
		f.Log.Debugf("backend %s: traced %d bytes from client", name, len(buf))
	}
	return nil
}

// UpstreamForwarder writes each payload to the backend's own outbound
// socket, the straightforward interpretation of "forward to the
// backend" for callers that want actual byte relay instead of tracing.
type UpstreamForwarder struct{}

// Forward writes buf to b's dialed connection.
func (UpstreamForwarder) Forward(b *backend.Backend, buf []byte) error {
	conn := b.Conn()
	if conn == nil {
		return backend.ErrNotDialed
	}
	_, err := conn.Write(buf)
	return err
}
