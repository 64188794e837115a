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

package slave

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ptpdisc/ts2phc/phc"
	"github.com/ptpdisc/ts2phc/servo"
)

// fakeDevice is a hand-rolled phc.DeviceController double: no mockgen
// scaffolding exists in this module, and the interface is small enough to
// fake directly.
type fakeDevice struct {
	freqPPB float64
	events  []phc.PTPExtTTS
	nextEvt int

	adjFreqCalls []float64
	stepCalls    []time.Duration

	pinFuncs []phc.PinFunc

	setPinFuncErr error
	exttsReqErr   error
}

func (f *fakeDevice) Time() (time.Time, error) { return time.Time{}, nil }

func (f *fakeDevice) SetPinFunc(index uint, pf phc.PinFunc, ch uint) error {
	f.pinFuncs = append(f.pinFuncs, pf)
	return f.setPinFuncErr
}

func (f *fakeDevice) SetPTPPerout(req phc.PTPPeroutRequest) error { return nil }

func (f *fakeDevice) ExtTTSRequest(index uint32, flags uint32) error {
	return f.exttsReqErr
}

func (f *fakeDevice) FreqPPB() (float64, error) { return f.freqPPB, nil }

func (f *fakeDevice) AdjFreq(freqPPB float64) error {
	f.adjFreqCalls = append(f.adjFreqCalls, freqPPB)
	return nil
}

func (f *fakeDevice) Step(step time.Duration) error {
	f.stepCalls = append(f.stepCalls, step)
	return nil
}

func (f *fakeDevice) Read(buf []byte) (int, error) { return 0, nil }

func (f *fakeDevice) ReadExtTTSEvent() (phc.PTPExtTTS, error) {
	if f.nextEvt >= len(f.events) {
		return phc.PTPExtTTS{}, fmt.Errorf("no more events")
	}
	ev := f.events[f.nextEvt]
	f.nextEvt++
	return ev, nil
}

func (f *fakeDevice) Fd() uintptr { return 0 }

func (f *fakeDevice) File() *os.File { return nil }

type fixedRef struct{ t time.Time }

func (r fixedRef) PPSTime() (time.Time, error) { return r.t, nil }
func (r fixedRef) Close() error                { return nil }

func extts(channel uint32, sec int64, nsec uint32) phc.PTPExtTTS {
	return phc.PTPExtTTS{
		T:     phc.PTPClockTime{Sec: sec, Nsec: nsec},
		Index: channel,
	}
}

func TestPerfectSyncReachesJumpWithZeroAdjustments(t *testing.T) {
	dev := &fakeDevice{
		events: []phc.PTPExtTTS{
			extts(1, 100, 0),
			extts(1, 101, 0),
			extts(1, 102, 0),
			extts(1, 103, 0),
		},
	}
	cfg := DefaultConfig()
	s, err := New(cfg, "test0", dev)
	require.NoError(t, err)

	// New rewrites the current frequency once, so adjFreqCalls starts at
	// one entry; the reference reports the same second as each event.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.OnEvent(fixedRef{t: time.Unix(100+int64(i), 0)}))
		require.Equal(t, 1, len(dev.adjFreqCalls))
	}
	require.NoError(t, s.OnEvent(fixedRef{t: time.Unix(103, 0)}))
	require.Equal(t, 2, len(dev.adjFreqCalls))
	require.Zero(t, dev.adjFreqCalls[1])
	require.Equal(t, 1, len(dev.stepCalls))
	require.Zero(t, dev.stepCalls[0])
}

func TestWrongChannelIsAnError(t *testing.T) {
	dev := &fakeDevice{events: []phc.PTPExtTTS{extts(9, 100, 0)}}
	cfg := DefaultConfig()
	s, err := New(cfg, "test0", dev)
	require.NoError(t, err)

	ref := fixedRef{t: time.Unix(100, 0)}
	err = s.OnEvent(ref)
	require.Error(t, err)
}

func TestDualEdgeFilterDropsMidPulseEdge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Polarity = phc.PTPRisingEdge | phc.PTPFallingEdge
	cfg.PulsewidthNS = 200000000 // 200ms

	dev := &fakeDevice{
		events: []phc.PTPExtTTS{
			extts(1, 100, 0),
			extts(1, 100, 200000001), // dropped: inside the (1e8, 9e8) ns window
			extts(1, 100, 999999999),
		},
	}
	s, err := New(cfg, "test0", dev)
	require.NoError(t, err)

	ref := fixedRef{t: time.Unix(100, 0)}
	require.NoError(t, s.OnEvent(ref)) // SAMPLE_0
	require.NoError(t, s.OnEvent(ref)) // dropped, no servo state change
	require.NoError(t, s.OnEvent(ref)) // SAMPLE_1 (the dropped sample did not count)
	require.Equal(t, 3, dev.nextEvt)
}

func TestSetupFailureReleasesPinFunc(t *testing.T) {
	dev := &fakeDevice{exttsReqErr: fmt.Errorf("boom")}
	cfg := DefaultConfig()
	_, err := New(cfg, "test0", dev)
	require.Error(t, err)
	require.Equal(t, []phc.PinFunc{phc.PinFuncExtTS, phc.PinFuncNone}, dev.pinFuncs)
}

type recordingObserver struct {
	calls int
	last  servo.State
}

func (o *recordingObserver) Observe(name string, offsetNS int64, freqAdjPPB float64, state servo.State) {
	o.calls++
	o.last = state
}

func TestObserverIsNotifiedAfterEachEvent(t *testing.T) {
	dev := &fakeDevice{
		events: []phc.PTPExtTTS{
			extts(1, 100, 0),
			extts(1, 101, 0),
			extts(1, 102, 0),
			extts(1, 103, 0),
		},
	}
	cfg := DefaultConfig()
	s, err := New(cfg, "test0", dev)
	require.NoError(t, err)

	obs := &recordingObserver{}
	s.SetObserver(obs)

	ref := fixedRef{t: time.Unix(100, 0)}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.OnEvent(ref))
	}
	require.Equal(t, 4, obs.calls)
	require.Equal(t, servo.StateJump, obs.last)
}
