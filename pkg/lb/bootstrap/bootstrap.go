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

// Package bootstrap loads backend metadata and brings up the roster
// before the acceptor starts taking connections.
package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dlorenc/tcplb/pkg/lb/backend"
	"github.com/dlorenc/tcplb/pkg/lb/roster"
	"github.com/dlorenc/tcplb/pkg/lb/worker"
)

// DefaultMetadataPath is the plain-text metadata file the server reads
// when no override is given.
const DefaultMetadataPath = "./servers_metadata.txt"

// DialTimeout bounds each backend's initial connect attempt.
const DialTimeout = 5 * time.Second

// Entry is one parsed line of backend metadata: name, host, and port.
type Entry struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// Config is the typed YAML form of the roster, an alternative to the
// plain-text metadata file.
type Config struct {
	MaxConnectionsPerBackend int     `yaml:"max_connections_per_backend"`
	Backends                 []Entry `yaml:"backends"`
}

// Logger is the structured-logging surface bootstrap needs.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// ParseMetadata reads the plain-text metadata format: one backend per
// line, three whitespace-separated fields (name, host, port). Blank
// lines and lines starting with '#' are skipped. A malformed line is
// skipped with a logged warning rather than aborting the whole file,
// matching spec's "tolerate and skip malformed lines" rule.
func ParseMetadata(r io.Reader, log Logger) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			log.Errorf("metadata line %d: expected 3 fields, got %d: %q", lineNo, len(fields), line)
			continue
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			log.Errorf("metadata line %d: invalid port %q", lineNo, fields[2])
			continue
		}
		entries = append(entries, Entry{Name: fields[0], Addr: fields[1], Port: port})
	}
	return entries
}

// LoadMetadataFile opens path and parses it with ParseMetadata.
func LoadMetadataFile(path string, log Logger) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMetadata(f, log), nil
}

// LoadConfigFile reads the typed YAML roster form.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// PromptForMetadataPath asks the operator for a metadata file path on
// w and reads one line from r, matching the reference implementation's
// interactive retry prompt when the default path is missing.
func PromptForMetadataPath(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprint(w, "servers metadata file not found, enter a path: ")
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// Result is the outcome of initializing the roster: the populated
// roster itself and the workers spawned for each successfully dialed
// backend.
type Result struct {
	Roster  *roster.Roster
	Workers []*worker.Worker
}

// InitServers dials every entry, in order, installing successes into
// the roster and nulling the slot for any failure (the entry is
// skipped, not retried). It stops at roster.MaxServers entries; any
// remainder is logged and ignored. It returns an error only if every
// entry failed to dial, matching spec.md's "total failure" exit case.
// pollTimeout overrides each spawned worker's poll(2) timeout; zero
// uses worker.DefaultPollTimeout. fwd and rec are handed to every
// spawned worker and may be nil.
func InitServers(entries []Entry, maxConnPerBackend int, pollTimeout time.Duration, fwd backend.Forwarder, rec backend.DisconnectRecorder, log Logger) (*Result, error) {
	if len(entries) > roster.MaxServers {
		log.Errorf("bootstrap: %d backends configured, only first %d will be used", len(entries), roster.MaxServers)
		entries = entries[:roster.MaxServers]
	}

	r := roster.New()
	var workers []*worker.Worker
	dialed := 0

	for i, e := range entries {
		b := backend.New(e.Name, e.Addr, e.Port, maxConnPerBackend)
		if err := b.Dial(DialTimeout); err != nil {
			log.Errorf("bootstrap: dial %s (%s:%d): %v", e.Name, e.Addr, e.Port, err)
			continue
		}
		if err := r.Set(i, b); err != nil {
			log.Errorf("bootstrap: install %s: %v", e.Name, err)
			_ = b.Close()
			continue
		}
		log.Infof("bootstrap: backend %s (%s:%d) dialed", e.Name, e.Addr, e.Port)
		dialed++
		workers = append(workers, worker.New(b, fwd, log, pollTimeout, rec))
	}

	if dialed == 0 {
		return nil, fmt.Errorf("bootstrap: no backend could be dialed")
	}
	return &Result{Roster: r, Workers: workers}, nil
}

// RunWorkers starts each worker's Run loop as its own goroutine and
// returns immediately; ctx cancellation stops them.
func RunWorkers(ctx context.Context, workers []*worker.Worker) {
	for _, w := range workers {
		go w.Run(ctx)
	}
}
