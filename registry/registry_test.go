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

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ptpdisc/ts2phc/ppsref"
)

type fakeSlave struct {
	fd        uintptr
	events    int
	closed    bool
	onEventFn func(ppsref.Reference) error
}

func (f *fakeSlave) Fd() uintptr { return f.fd }

func (f *fakeSlave) OnEvent(ref ppsref.Reference) error {
	f.events++
	if f.onEventFn != nil {
		return f.onEventFn(ref)
	}
	return nil
}

func (f *fakeSlave) Close() error {
	f.closed = true
	return nil
}

func TestAddDeduplicatesByName(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("eth0", &fakeSlave{fd: 3}))
	require.NoError(t, r.Add("eth0", &fakeSlave{fd: 4}))
	require.Equal(t, 1, r.Len())
}

func TestAddAfterFreezeFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("eth0", &fakeSlave{fd: 3}))
	r.build()
	err := r.Add("eth1", &fakeSlave{fd: 4})
	require.Error(t, err)
}

func TestCleanupClosesEverySlave(t *testing.T) {
	r := New()
	s1 := &fakeSlave{fd: 3}
	s2 := &fakeSlave{fd: 4}
	require.NoError(t, r.Add("eth0", s1))
	require.NoError(t, r.Add("eth1", s2))
	r.Cleanup()
	require.True(t, s1.closed)
	require.True(t, s2.closed)
	require.Equal(t, 0, r.Len())
}

func TestNoTwoSlavesShareAnFd(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("eth0", &fakeSlave{fd: 3}))
	require.NoError(t, r.Add("eth1", &fakeSlave{fd: 4}))
	r.build()
	seen := make(map[uintptr]bool)
	for _, pfd := range r.pollFds {
		fd := uintptr(pfd.Fd)
		require.False(t, seen[fd], "fd %d reused across slaves", fd)
		seen[fd] = true
	}
}
