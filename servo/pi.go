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

// Kp and Ki are the proportional and integral gains of the PI controller,
// tuned for a 1Hz sample rate.
const (
	Kp = 0.7
	Ki = 0.3
)

// PIServo is a per-slave PI controller with a 4-sample warm-up and a
// one-time jump on the 4th sample. The caller is responsible for feeding it
// exactly one sample per PPS edge and for acting on the returned State: on
// StateJump it must step the clock by -offset and set frequency to -adj;
// on StateLocked/StateLockedStable it must only set frequency to -adj.
type PIServo struct {
	state       State
	count       int
	savedOffset int64
	savedTS     int64
	drift       float64
	maxFreqPPB  float64
}

// New constructs a PIServo. firstUpdatePPB seeds the drift estimate (the
// source typically passes -get_freq(clock)); maxFreqPPB clamps the returned
// adjustment.
func New(firstUpdatePPB, maxFreqPPB float64) *PIServo {
	return &PIServo{
		drift:      firstUpdatePPB,
		maxFreqPPB: maxFreqPPB,
		state:      StateUnlocked,
	}
}

// State returns the state left by the most recent Sample call.
func (s *PIServo) State() State { return s.state }

// Sample feeds one offset/timestamp pair (both in nanoseconds) to the
// servo and returns the adjustment the caller should apply (negated, per
// the state's action) along with the resulting state.
func (s *PIServo) Sample(offsetNS, localTSNS int64) (float64, State) {
	switch s.count {
	case 0:
		s.savedOffset = offsetNS
		s.savedTS = localTSNS
		s.count++
		s.state = StateUnlocked
		return 0, s.state

	case 1, 2:
		s.count++
		s.state = StateUnlocked
		return 0, s.state

	case 3:
		elapsed := localTSNS - s.savedTS
		if elapsed <= 0 {
			elapsed = 1
		}
		drift := float64(offsetNS-s.savedOffset) * 1e9 / float64(elapsed)
		s.drift = clamp(drift, s.maxFreqPPB)
		s.count++
		s.state = StateJump
		return s.drift, s.state

	default:
		kiTerm := Ki * float64(offsetNS)
		ppb := Kp*float64(offsetNS) + s.drift + kiTerm
		clamped := clamp(ppb, s.maxFreqPPB)
		if clamped == ppb {
			// anti-windup: only integrate when the output did not saturate.
			s.drift += kiTerm
		}
		s.state = StateLocked
		return clamped, s.state
	}
}

func clamp(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}
