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

package ppsref

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ptpdisc/ts2phc/phc"
)

type fakeClock struct {
	t   time.Time
	err error
}

func (f *fakeClock) Time() (time.Time, error) { return f.t, f.err }

// fakeDevice is a minimal phc.DeviceController double used to exercise
// PHCReference without a real kernel device.
type fakeDevice struct {
	now  time.Time
	file *os.File

	setPinFuncErr  error
	peroutErr      error
	peroutRejectDC bool
	perouts        []phc.PTPPeroutRequest
}

func (f *fakeDevice) Time() (time.Time, error) { return f.now, nil }

func (f *fakeDevice) SetPinFunc(index uint, pf phc.PinFunc, ch uint) error {
	return f.setPinFuncErr
}

func (f *fakeDevice) SetPTPPerout(req phc.PTPPeroutRequest) error {
	f.perouts = append(f.perouts, req)
	if f.peroutRejectDC && req.Flags != 0 {
		return fmt.Errorf("PTP_PEROUT_DUTY_CYCLE not supported")
	}
	return f.peroutErr
}

func (f *fakeDevice) ExtTTSRequest(index uint32, flags uint32) error { return nil }
func (f *fakeDevice) FreqPPB() (float64, error)                     { return 0, nil }
func (f *fakeDevice) AdjFreq(freqPPB float64) error                 { return nil }
func (f *fakeDevice) Step(step time.Duration) error                 { return nil }
func (f *fakeDevice) Read(buf []byte) (int, error)                  { return 0, nil }
func (f *fakeDevice) ReadExtTTSEvent() (phc.PTPExtTTS, error)        { return phc.PTPExtTTS{}, nil }
func (f *fakeDevice) Fd() uintptr                                    { return 0 }
func (f *fakeDevice) File() *os.File                                 { return f.file }

func TestNewPHCReferenceArmsPerout(t *testing.T) {
	dev := &fakeDevice{now: time.Unix(1000, 0)}
	ref, err := NewPHCReference(dev, 0, 0, 0)
	require.NoError(t, err)
	require.True(t, ref.armed)
	require.Len(t, dev.perouts, 1)
	require.Equal(t, int64(1002), dev.perouts[0].StartOrPhase.Sec)
}

func TestNewPHCReferenceRetriesWithoutDutyCycle(t *testing.T) {
	dev := &fakeDevice{now: time.Unix(1000, 0), peroutRejectDC: true}
	ref, err := NewPHCReference(dev, 0, 0, 0)
	require.NoError(t, err)
	require.True(t, ref.armed)
	require.Len(t, dev.perouts, 2)
	require.Zero(t, dev.perouts[1].Flags)
}

func TestNewPHCReferenceFailsWhenPeroutAlwaysRejected(t *testing.T) {
	dev := &fakeDevice{now: time.Unix(1000, 0), peroutErr: fmt.Errorf("nope")}
	_, err := NewPHCReference(dev, 0, 0, 0)
	require.Error(t, err)
}

func TestNewPHCReferenceFailsWhenSetPinFuncFails(t *testing.T) {
	// the error message names the device, so the fake needs a real file.
	file, err := os.CreateTemp(t.TempDir(), "ptp")
	require.NoError(t, err)
	defer file.Close()
	dev := &fakeDevice{now: time.Unix(1000, 0), setPinFuncErr: fmt.Errorf("no such pin"), file: file}
	_, err = NewPHCReference(dev, 0, 0, 0)
	require.Error(t, err)
	require.Empty(t, dev.perouts)
}

func TestPHCReferenceCloseDisarms(t *testing.T) {
	dev := &fakeDevice{now: time.Unix(1000, 0)}
	ref, err := NewPHCReference(dev, 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, ref.Close())
	require.False(t, ref.armed)
}

func TestGenericReferencePPSTime(t *testing.T) {
	raw := time.Unix(1075896000, 500000000)
	ref := &GenericReference{Clock: &fakeClock{t: raw}}

	got, err := ref.PPSTime()
	require.NoError(t, err)
	require.Equal(t, time.Unix(1075896000, 0), got)
	require.Zero(t, got.Nanosecond())
	require.NoError(t, ref.Close())
}

func TestGenericReferencePropagatesClockError(t *testing.T) {
	ref := &GenericReference{Clock: &fakeClock{err: fmt.Errorf("read failed")}}
	_, err := ref.PPSTime()
	require.Error(t, err)
}
