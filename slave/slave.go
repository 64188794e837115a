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

// Package slave disciplines one PHC against a shared PPS reference: it
// configures the PHC's EXTTS pin, reads the resulting events, computes the
// offset against the reference, and feeds that offset to a servo whose
// output it applies back to the PHC.
package slave

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ptpdisc/ts2phc/phc"
	"github.com/ptpdisc/ts2phc/ppsref"
	"github.com/ptpdisc/ts2phc/servo"
)

const nsPerSec = int64(1e9)

// Observer receives one notification per processed event, after the
// servo has run and the clock has been actuated. Implementations must
// not block; Collector.Observe in the stats package satisfies this
// interface.
type Observer interface {
	Observe(name string, offsetNS int64, freqAdjPPB float64, state servo.State)
}

// Config is the per-slave configuration read from the external loader
// under the ts2phc.* namespace.
type Config struct {
	// PinIndex is the PHC pin assigned to EXTTS capture.
	PinIndex uint
	// ExttsChannel is the EXTTS channel the pin is mapped to.
	ExttsChannel uint32
	// Polarity is a bitmask of phc.PTPRisingEdge and/or phc.PTPFallingEdge.
	Polarity uint32
	// PulsewidthNS is the width in nanoseconds of the expected PPS pulse.
	// Zero disables the dual-edge filter.
	PulsewidthNS int64
	// MaxFreqPPB clamps the servo's output.
	MaxFreqPPB float64
}

// DefaultConfig returns the config used when a field is left unset.
func DefaultConfig() Config {
	return Config{
		PinIndex:     0,
		ExttsChannel: 1,
		Polarity:     phc.PTPRisingEdge,
		PulsewidthNS: 0,
		MaxFreqPPB:   100000,
	}
}

// Slave owns exactly one PHC: its device handle, its file descriptor, its
// pin configuration, and its servo.
type Slave struct {
	Name string

	dev      phc.DeviceController
	pin      uint
	channel  uint32
	polarity uint32

	ignoreLower int64
	ignoreUpper int64

	servo    *servo.PIServo
	state    servo.State
	observer Observer
}

// SetObserver installs an Observer notified after every processed event.
// Passing nil disables notification. Not safe to call concurrently with
// OnEvent.
func (s *Slave) SetObserver(o Observer) { s.observer = o }

// New constructs a Slave: it opens no device itself (dev is supplied
// already open, per C1), re-reads and re-writes the current frequency to
// defeat a kernel bug where the first read silently returns 0, creates a
// servo seeded from that frequency, and arms the EXTTS pin. Any step
// failing releases what was already acquired, in reverse, and returns an
// error.
func New(cfg Config, name string, dev phc.DeviceController) (*Slave, error) {
	fadj, err := dev.FreqPPB()
	if err != nil {
		return nil, fmt.Errorf("%s: reading current frequency: %w", name, err)
	}
	if err := dev.AdjFreq(fadj); err != nil {
		return nil, fmt.Errorf("%s: rewriting current frequency: %w", name, err)
	}

	half := cfg.PulsewidthNS / 2

	s := &Slave{
		Name:        name,
		dev:         dev,
		pin:         cfg.PinIndex,
		channel:     cfg.ExttsChannel,
		polarity:    cfg.Polarity,
		ignoreLower: half,
		ignoreUpper: nsPerSec - half,
		servo:       servo.New(-fadj, cfg.MaxFreqPPB),
	}

	if err := dev.SetPinFunc(cfg.PinIndex, phc.PinFuncExtTS, uint(cfg.ExttsChannel)); err != nil {
		return nil, fmt.Errorf("%s: PTP_PIN_SETFUNC failed: %w", name, err)
	}

	flags := cfg.Polarity | phc.PTPEnableFeature
	if err := dev.ExtTTSRequest(cfg.ExttsChannel, flags); err != nil {
		_ = dev.SetPinFunc(cfg.PinIndex, phc.PinFuncNone, uint(cfg.ExttsChannel))
		return nil, fmt.Errorf("%s: PTP_EXTTS_REQUEST failed: %w", name, err)
	}

	return s, nil
}

// Close disarms EXTTS capture on the slave's pin. It is best-effort: a
// failure is returned to the caller but the slave is considered destroyed
// either way.
func (s *Slave) Close() error {
	if err := s.dev.ExtTTSRequest(s.channel, 0); err != nil {
		return fmt.Errorf("%s: PTP_EXTTS_REQUEST disarm failed: %w", s.Name, err)
	}
	return nil
}

// Fd returns the slave's PHC file descriptor, used by the registry to
// build its readiness array.
func (s *Slave) Fd() uintptr { return s.dev.Fd() }

// State returns the servo state left by the most recently processed event.
func (s *Slave) State() servo.State { return s.state }

// OnEvent reads one EXTTS event, computes its offset against ref, feeds it
// to the servo, and actuates the clock per the returned state. Event
// errors (short read, wrong channel) are returned to the caller, which is
// expected to log and continue; they do not affect the slave's servo
// state.
func (s *Slave) OnEvent(ref ppsref.Reference) error {
	event, err := s.dev.ReadExtTTSEvent()
	if err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	if event.Index != s.channel {
		return fmt.Errorf("%s: extts on unexpected channel %d, want %d", s.Name, event.Index, s.channel)
	}

	eventNS := event.T.Sec*nsPerSec + int64(event.T.Nsec)

	refTime, err := ref.PPSTime()
	if err != nil {
		return fmt.Errorf("%s: reading PPS reference: %w", s.Name, err)
	}
	sourceNS := refTime.Unix()*nsPerSec + int64(refTime.Nanosecond())

	offset := eventNS - sourceNS

	// A pulse width below 2ns leaves ignoreLower at zero, which disables the
	// filter.
	bothEdges := s.polarity == (phc.PTPRisingEdge | phc.PTPFallingEdge)
	if bothEdges && s.ignoreLower > 0 && int64(event.T.Nsec) > s.ignoreLower && int64(event.T.Nsec) < s.ignoreUpper {
		// mid-pulse edge: keep only the two edges near the top of the
		// second.
		return nil
	}

	adj, state := s.servo.Sample(offset, eventNS)
	s.state = state

	log.Infof("%s master offset %10d s%d freq %+7.0f", s.Name, offset, state, adj)

	switch state {
	case servo.StateUnlocked:
		// nothing to do until warm-up completes.
	case servo.StateJump:
		if err := s.dev.AdjFreq(-adj); err != nil {
			log.Warnf("%s: set_freq failed: %v", s.Name, err)
		}
		if err := s.dev.Step(-time.Duration(offset)); err != nil {
			log.Warnf("%s: step failed: %v", s.Name, err)
		}
	case servo.StateLocked, servo.StateLockedStable:
		if err := s.dev.AdjFreq(-adj); err != nil {
			log.Warnf("%s: set_freq failed: %v", s.Name, err)
		}
	}

	if s.observer != nil {
		s.observer.Observe(s.Name, offset, -adj, state)
	}
	return nil
}
