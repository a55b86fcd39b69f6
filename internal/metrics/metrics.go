/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package metrics implements the process-local atomic counters and
// latency histogram of spec section 4.11, grounded on
// src/features/metrics.c. The counters are plain atomics (the spec
// requires lock-free per-worker updates on the hot path, which rules
// out prometheus's mutex-guarded CounterVec). The /metrics exposition
// text is rendered by hand in expose.go. Metrics also implements
// github.com/prometheus/client_golang's prometheus.Collector, so an
// embedder can register it into its own prometheus.Registry; nothing in
// this repository registers it.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// histogramBounds are the fixed upper bounds in microseconds mandated
// by spec section 4.11.
var histogramBounds = [...]float64{
	100, 500, 1000, 2000, 5000, 10000, 20000, 50000, 100000, 200000,
	500000, 1000000, 2000000, 5000000, 10000000,
}

const numBuckets = len(histogramBounds) + 1 // + the +Inf bucket

// Metrics holds every process-local counter from spec section 3.
type Metrics struct {
	total    atomic.Uint64
	status2xx atomic.Uint64
	status4xx atomic.Uint64
	status5xx atomic.Uint64
	active   atomic.Int64
	upstreamErrors atomic.Uint64

	bucketCounts [numBuckets]atomic.Uint64
	sumMicros    atomic.Uint64
	histCount    atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncActive()   { m.active.Add(1) }
func (m *Metrics) DecActive()   { m.active.Add(-1) }
func (m *Metrics) IncUpstreamError() { m.upstreamErrors.Add(1) }

// ObserveRequest records one completed response: status class and
// latency, landing the observation in the first bucket whose bound is
// >= the latency per spec section 4.11.
func (m *Metrics) ObserveRequest(status int, latencyMicros uint64) {
	m.total.Add(1)
	switch {
	case status >= 200 && status < 300:
		m.status2xx.Add(1)
	case status >= 400 && status < 500:
		m.status4xx.Add(1)
	case status >= 500:
		m.status5xx.Add(1)
	}

	m.sumMicros.Add(latencyMicros)
	m.histCount.Add(1)

	for i, bound := range histogramBounds {
		if float64(latencyMicros) <= bound {
			m.bucketCounts[i].Add(1)
			return
		}
	}
	m.bucketCounts[numBuckets-1].Add(1)
}

// Snapshot is a point-in-time read of every counter, used both by the
// Prometheus exposition handler and by tests.
type Snapshot struct {
	Total, Status2xx, Status4xx, Status5xx uint64
	Active                                 int64
	UpstreamErrors                         uint64
	BucketCumulative                       [numBuckets]uint64
	SumSeconds                             float64
	HistCount                              uint64
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Total:          m.total.Load(),
		Status2xx:      m.status2xx.Load(),
		Status4xx:      m.status4xx.Load(),
		Status5xx:      m.status5xx.Load(),
		Active:         m.active.Load(),
		UpstreamErrors: m.upstreamErrors.Load(),
		SumSeconds:     float64(m.sumMicros.Load()) / 1e6,
		HistCount:      m.histCount.Load(),
	}

	var cum uint64
	for i := range m.bucketCounts {
		cum += m.bucketCounts[i].Load()
		s.BucketCumulative[i] = cum
	}
	return s
}

var (
	descTotal   = prometheus.NewDesc("nproxy_requests_total", "Total requests handled.", nil, nil)
	descActive  = prometheus.NewDesc("nproxy_active_connections", "Currently active connections.", nil, nil)
	descUpErr   = prometheus.NewDesc("nproxy_upstream_errors_total", "Total upstream errors.", nil, nil)
	descStatus  = prometheus.NewDesc("nproxy_requests_status_total", "Requests by status class.", []string{"class"}, nil)
	descLatency = prometheus.NewDesc("nproxy_request_duration_seconds", "Request latency.", nil, nil)
)

// Describe/Collect implement prometheus.Collector so this Metrics can
// be registered into a prometheus.Registry alongside Go runtime
// collectors; the worker's own /metrics handler still renders the
// fixed-bucket exposition text in expose.go to retain exact control
// over bucket bounds and metric names per spec section 4.11 — this
// Collector implementation is what lets an embedder fold nproxy's
// counters into a larger prometheus.Registry it already owns.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTotal
	ch <- descActive
	ch <- descUpErr
	ch <- descStatus
	ch <- descLatency
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Snapshot()
	ch <- prometheus.MustNewConstMetric(descTotal, prometheus.CounterValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(descUpErr, prometheus.CounterValue, float64(s.UpstreamErrors))
	ch <- prometheus.MustNewConstMetric(descStatus, prometheus.CounterValue, float64(s.Status2xx), "2xx")
	ch <- prometheus.MustNewConstMetric(descStatus, prometheus.CounterValue, float64(s.Status4xx), "4xx")
	ch <- prometheus.MustNewConstMetric(descStatus, prometheus.CounterValue, float64(s.Status5xx), "5xx")
	ch <- prometheus.MustNewConstHistogram(descLatency, s.HistCount, s.SumSeconds, bucketMap(s))
}

func bucketMap(s Snapshot) map[float64]uint64 {
	out := make(map[float64]uint64, len(histogramBounds))
	for i, bound := range histogramBounds {
		out[bound/1e6] = s.BucketCumulative[i]
	}
	return out
}
