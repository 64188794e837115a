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

package servo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const second = int64(1e9)

func TestPerfectSyncWarmUpAndJump(t *testing.T) {
	s := New(0, 100000)
	for i, ts := 0, int64(0); i < 3; i++ {
		adj, state := s.Sample(0, ts)
		require.Equal(t, StateUnlocked, state)
		require.Zero(t, adj)
		ts += second
	}
	adj, state := s.Sample(0, 3*second)
	require.Equal(t, StateJump, state)
	require.Zero(t, adj)
}

func TestConstantSkewJump(t *testing.T) {
	s := New(0, 100000)
	s.Sample(1000, 0)
	s.Sample(1000, second)
	s.Sample(1000, 2*second)
	adj, state := s.Sample(1000, 3*second)
	require.Equal(t, StateJump, state)
	require.Zero(t, adj)
}

func TestLinearDriftJump(t *testing.T) {
	s := New(0, 100000)
	s.Sample(1000, 0)
	s.Sample(2000, second)
	s.Sample(3000, 2*second)
	adj, state := s.Sample(4000, 3*second)
	require.Equal(t, StateJump, state)
	require.InDelta(t, 1000.0, adj, 1e-9)
}

func TestClampDoesNotWindUp(t *testing.T) {
	s := New(0, 100000)
	// force into SAMPLE_N with zero drift
	s.Sample(0, 0)
	s.Sample(0, second)
	s.Sample(0, 2*second)
	s.Sample(0, 3*second) // JUMP, drift stays 0

	adj, state := s.Sample(1000000000, 4*second)
	require.Equal(t, StateLocked, state)
	require.Equal(t, 100000.0, adj)
	require.Zero(t, s.drift)
}

func TestAntiWindupIntegratesWhenNotSaturated(t *testing.T) {
	s := New(0, 100000)
	s.Sample(0, 0)
	s.Sample(0, second)
	s.Sample(0, 2*second)
	s.Sample(0, 3*second)

	_, state := s.Sample(100, 4*second)
	require.Equal(t, StateLocked, state)
	require.InDelta(t, Ki*100, s.drift, 1e-9)
}

func TestNeverRegressesToEarlierState(t *testing.T) {
	s := New(0, 100000)
	for i := 0; i < 4; i++ {
		s.Sample(0, int64(i)*second)
	}
	require.Equal(t, StateJump, s.state)
	for i := 0; i < 10; i++ {
		_, state := s.Sample(0, int64(4+i)*second)
		require.Equal(t, StateLocked, state)
	}
}
