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

// Package stats exposes per-slave servo state as Prometheus metrics,
// updated inline as events are processed rather than scraped from a
// separate process, plus a running mean/stddev of offset stability per
// slave.
package stats

import (
	"net/http"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ptpdisc/ts2phc/servo"
)

// Collector holds the Prometheus gauges and per-slave offset-stability
// statistics for a running ts2phc instance.
type Collector struct {
	registry *prometheus.Registry

	offsetNS    *prometheus.GaugeVec
	freqAdjPPB  *prometheus.GaugeVec
	servoState  *prometheus.GaugeVec
	eventsTotal *prometheus.CounterVec

	offsetStability map[string]*welford.Stats
}

// NewCollector builds a Collector with its gauges registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		offsetNS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ts2phc_offset_ns",
			Help: "Most recent offset between a slave's EXTTS event and the PPS reference, in nanoseconds.",
		}, []string{"slave"}),
		freqAdjPPB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ts2phc_freq_adj_ppb",
			Help: "Most recent frequency adjustment applied to a slave, in parts per billion.",
		}, []string{"slave"}),
		servoState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ts2phc_servo_state",
			Help: "Servo state of a slave: 0=UNLOCKED, 1=JUMP, 2=LOCKED, 3=LOCKED_STABLE.",
		}, []string{"slave"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ts2phc_events_total",
			Help: "Total number of EXTTS events processed for a slave.",
		}, []string{"slave"}),
		offsetStability: make(map[string]*welford.Stats),
	}
	c.registry.MustRegister(c.offsetNS, c.freqAdjPPB, c.servoState, c.eventsTotal)
	return c
}

// Observe records one processed event's offset, applied frequency
// adjustment, and resulting servo state for name.
func (c *Collector) Observe(name string, offsetNS int64, freqAdjPPB float64, state servo.State) {
	c.offsetNS.WithLabelValues(name).Set(float64(offsetNS))
	c.freqAdjPPB.WithLabelValues(name).Set(freqAdjPPB)
	c.servoState.WithLabelValues(name).Set(float64(state))
	c.eventsTotal.WithLabelValues(name).Inc()

	st, ok := c.offsetStability[name]
	if !ok {
		st = welford.New()
		c.offsetStability[name] = st
	}
	st.Add(float64(offsetNS))
}

// OffsetMeanNS returns the running mean offset observed for name, or 0 if
// no samples have been recorded yet.
func (c *Collector) OffsetMeanNS(name string) float64 {
	st, ok := c.offsetStability[name]
	if !ok {
		return 0
	}
	return st.Mean()
}

// OffsetStddevNS returns the running offset standard deviation observed
// for name, or 0 if fewer than two samples have been recorded.
func (c *Collector) OffsetStddevNS(name string) float64 {
	st, ok := c.offsetStability[name]
	if !ok {
		return 0
	}
	return st.Stddev()
}

// Handler returns the http.Handler serving this collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
