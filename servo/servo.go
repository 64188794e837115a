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

// Package servo implements the PI controller with a 4-sample warm-up and a
// one-time frequency/time jump that every slave clock is disciplined with.
package servo

// State is the result of a Sample call, telling the caller what, if
// anything, it must do to the disciplined clock.
type State uint8

// Servo states. The servo reports StateUnlocked for its first three
// samples, StateJump once for its fourth, and StateLocked for every sample
// after that; it never returns to an earlier state.
const (
	StateUnlocked State = iota
	StateJump
	StateLocked
	StateLockedStable
)

func (s State) String() string {
	switch s {
	case StateUnlocked:
		return "UNLOCKED"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	case StateLockedStable:
		return "LOCKED_STABLE"
	default:
		return "UNKNOWN"
	}
}
