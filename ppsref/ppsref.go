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

// Package ppsref implements the pulse-per-second reference clocks that
// slaves are disciplined against: a PHC reference, which programs a PHC's
// periodic output pin and derives PPS edges from its own clock, and a
// generic reference, which reports its backing clock's current reading
// truncated to the full second (used when the 1PPS edge arrives out of
// band, e.g. from a GNSS receiver wired directly into the slave's EXTTS
// pin).
package ppsref

import (
	"fmt"
	"time"

	"github.com/ptpdisc/ts2phc/phc"
)

const (
	defaultChannel   = 0
	defaultDutyCycle = 500000000 // 500ms, in nanoseconds
	// ppsStartDelay is how far in the future (in whole seconds) we arm the
	// first periodic-output edge, so the request reaches the kernel before
	// the edge it describes.
	ppsStartDelay = 2
	// periodSeconds is the PEROUT period. linuxptp historically used 2s
	// here as a workaround for the i210, whose EXTTS input time-stamps
	// both edges of each pulse; we keep that default but it is
	// configurable per reference.
	periodSeconds = 2
)

// Reference is a source of 1PPS edges a slave can be disciplined against.
type Reference interface {
	// PPSTime returns the timestamp of the most recent PPS edge this
	// reference produced.
	PPSTime() (time.Time, error)
	// Close releases any kernel-side configuration the reference holds,
	// such as an armed periodic output pin.
	Close() error
}

// PHCReference is a Reference backed by a PHC's own periodic output pin:
// it programs the pin to pulse once per period and reports the device's
// current time, truncated to the full second, as the PPS edge, without
// ever reading back an EXTTS event for itself.
type PHCReference struct {
	dev           phc.DeviceController
	pin           uint
	periodSeconds int64
	pulseWidth    time.Duration
	armed         bool
}

// NewPHCReference programs pin on dev to emit a periodic signal and
// returns a Reference that reports the most recent edge. pulseWidth of
// zero uses the default 500ms duty cycle; period of zero uses the
// default 2-second period.
func NewPHCReference(dev phc.DeviceController, pin uint, period time.Duration, pulseWidth time.Duration) (*PHCReference, error) {
	r := &PHCReference{dev: dev, pin: pin, periodSeconds: periodSeconds, pulseWidth: defaultDutyCycle}
	if period > 0 {
		r.periodSeconds = int64(period / time.Second)
	}
	if pulseWidth > 0 {
		r.pulseWidth = pulseWidth
	}
	if err := r.activate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PHCReference) activate() error {
	if err := r.dev.SetPinFunc(r.pin, phc.PinFuncPerOut, defaultChannel); err != nil {
		return fmt.Errorf("failed to set PPS perout on pin %d of %s: %w", r.pin, r.dev.File().Name(), err)
	}

	now, err := r.dev.Time()
	if err != nil {
		return fmt.Errorf("failed clock_gettime on %s: %w", r.dev.File().Name(), err)
	}

	req := phc.PTPPeroutRequest{
		Index:        defaultChannel,
		Period:       phc.PTPClockTime{Sec: r.periodSeconds},
		StartOrPhase: phc.PTPClockTime{Sec: now.Unix() + ppsStartDelay},
	}
	pulseWidthNS := uint32(r.pulseWidth.Nanoseconds())
	req.Flags |= ptpPeroutDutyCycle
	req.On = phc.PTPClockTime{Sec: int64(pulseWidthNS / 1e9), Nsec: pulseWidthNS % 1e9}

	if err := r.dev.SetPTPPerout(req); err != nil {
		// older kernels reject PTP_PEROUT_DUTY_CYCLE; retry without it.
		req.Flags &^= ptpPeroutDutyCycle
		req.On = phc.PTPClockTime{}
		if err := r.dev.SetPTPPerout(req); err != nil {
			return fmt.Errorf("PTP_PEROUT_REQUEST2 failed even without duty cycle flag: %w", err)
		}
	}
	r.armed = true
	return nil
}

const ptpPeroutDutyCycle = 1 << 1

// PPSTime reads the device's current time and returns it truncated to the
// full second. With a period longer than one second this is the most
// recent full second, not necessarily the start of the current period.
func (r *PHCReference) PPSTime() (time.Time, error) {
	if !r.armed {
		return time.Time{}, fmt.Errorf("PPS reference on %s not armed", r.dev.File().Name())
	}
	now, err := r.dev.Time()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed clock_gettime on %s: %w", r.dev.File().Name(), err)
	}
	return time.Unix(now.Unix(), 0), nil
}

// Close disarms the periodic output pin.
func (r *PHCReference) Close() error {
	if !r.armed {
		return nil
	}
	req := phc.PTPPeroutRequest{Index: defaultChannel}
	r.armed = false
	return r.dev.SetPTPPerout(req)
}

// GenericReference is a Reference whose PPS edge arrives independently of
// this process (e.g. a GNSS receiver's 1PPS output wired directly into a
// slave's EXTTS pin); PPSTime reports the backing clock's current reading,
// taken at the moment it is asked and truncated to the full second.
type GenericReference struct {
	Clock interface {
		Time() (time.Time, error)
	}
}

// PPSTime returns the backing clock's current reading, rounded down to the
// full second: the nanosecond field is always zero, since a generic
// reference has no way to know the sub-second phase of the PPS edge it is
// reporting.
func (g *GenericReference) PPSTime() (time.Time, error) {
	now, err := g.Clock.Time()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(now.Unix(), 0), nil
}

// Close is a no-op: a generic reference owns no kernel state.
func (g *GenericReference) Close() error { return nil }
