/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package registry holds the set of disciplined slaves and drives the
// single-threaded poll loop that dispatches PPS events to them.
package registry

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ptpdisc/ts2phc/ppsref"
)

// pollTimeout bounds how long Poll blocks before returning an idle result,
// which in turn bounds shutdown latency for the run loop.
const pollTimeout = 2000 * time.Millisecond

// slave is the subset of *slave.Slave the registry needs; declared here so
// the registry doesn't import the slave package's servo/phc dependencies
// transitively into its own API surface.
type slave interface {
	Fd() uintptr
	OnEvent(ref ppsref.Reference) error
	Close() error
}

// Registry is an ordered, insertion-order, name-deduplicated set of
// slaves. The parallel readiness array is lazily built on the first Poll
// call and never rebuilt afterward: Add after that point is unsupported.
type Registry struct {
	names  map[string]struct{}
	order  []string
	slaves []slave

	pollFds []unix.PollFd
	frozen  bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Add registers a slave under name. Adding a name that already exists is a
// no-op that returns nil (P7).
func (r *Registry) Add(name string, s slave) error {
	if r.frozen {
		return fmt.Errorf("registry: cannot add %q after polling has started", name)
	}
	if _, exists := r.names[name]; exists {
		return nil
	}
	r.names[name] = struct{}{}
	r.order = append(r.order, name)
	r.slaves = append(r.slaves, s)
	return nil
}

// Len returns the number of registered slaves.
func (r *Registry) Len() int { return len(r.slaves) }

// Cleanup destroys every registered slave and releases the readiness
// array. Per-slave Close errors are logged, not propagated: cleanup always
// runs to completion.
func (r *Registry) Cleanup() {
	for i, s := range r.slaves {
		if err := s.Close(); err != nil {
			log.Warnf("registry: closing slave %q: %v", r.order[i], err)
		}
	}
	r.slaves = nil
	r.order = nil
	r.pollFds = nil
	r.frozen = false
}

func (r *Registry) build() {
	r.pollFds = make([]unix.PollFd, len(r.slaves))
	for i, s := range r.slaves {
		r.pollFds[i] = unix.PollFd{
			Fd:     int32(s.Fd()), //#nosec G115
			Events: unix.POLLIN | unix.POLLPRI,
		}
	}
	r.frozen = true
}

// Poll waits up to pollTimeout for any slave's EXTTS fd to become
// readable, then dispatches one event to each ready slave against ref.
// EINTR is benign and reported as nil so the run loop can re-check its
// "still running" predicate; any other polling error is fatal.
func (r *Registry) Poll(ref ppsref.Reference) error {
	if !r.frozen {
		r.build()
	}
	if len(r.pollFds) == 0 {
		time.Sleep(pollTimeout)
		return nil
	}

	n, err := unix.Poll(r.pollFds, int(pollTimeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return nil
		}
		return fmt.Errorf("registry: poll failed: %w", err)
	}
	if n == 0 {
		return nil
	}

	for i, pfd := range r.pollFds {
		if pfd.Revents&(unix.POLLIN|unix.POLLPRI) == 0 {
			continue
		}
		if err := r.slaves[i].OnEvent(ref); err != nil {
			log.Warnf("registry: slave %q: %v", r.order[i], err)
		}
	}
	return nil
}

// Run executes the single-threaded cooperative loop: while running
// reports true, it polls with a 2-second timeout and dispatches ready
// events. It returns when running reports false or Poll returns a fatal
// error.
func Run(r *Registry, ref ppsref.Reference, running func() bool) error {
	for running() {
		if err := r.Poll(ref); err != nil {
			return err
		}
	}
	return nil
}
