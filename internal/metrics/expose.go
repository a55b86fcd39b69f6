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

package metrics

import (
	"fmt"
	"strings"
)

// Expose renders the Prometheus text exposition format mandated by
// spec section 4.11: _bucket/_count/_sum for the latency histogram,
// plus the plain request/connection/error counters.
func (m *Metrics) Expose() string {
	s := m.Snapshot()
	var b strings.Builder

	fmt.Fprintf(&b, "# HELP nproxy_requests_total Total requests handled.\n")
	fmt.Fprintf(&b, "# TYPE nproxy_requests_total counter\n")
	fmt.Fprintf(&b, "nproxy_requests_total %d\n", s.Total)

	fmt.Fprintf(&b, "# HELP nproxy_requests_status_total Requests by status class.\n")
	fmt.Fprintf(&b, "# TYPE nproxy_requests_status_total counter\n")
	fmt.Fprintf(&b, "nproxy_requests_status_total{class=\"2xx\"} %d\n", s.Status2xx)
	fmt.Fprintf(&b, "nproxy_requests_status_total{class=\"4xx\"} %d\n", s.Status4xx)
	fmt.Fprintf(&b, "nproxy_requests_status_total{class=\"5xx\"} %d\n", s.Status5xx)

	fmt.Fprintf(&b, "# HELP nproxy_active_connections Currently active connections.\n")
	fmt.Fprintf(&b, "# TYPE nproxy_active_connections gauge\n")
	fmt.Fprintf(&b, "nproxy_active_connections %d\n", s.Active)

	fmt.Fprintf(&b, "# HELP nproxy_upstream_errors_total Total upstream errors.\n")
	fmt.Fprintf(&b, "# TYPE nproxy_upstream_errors_total counter\n")
	fmt.Fprintf(&b, "nproxy_upstream_errors_total %d\n", s.UpstreamErrors)

	fmt.Fprintf(&b, "# HELP nproxy_request_duration_seconds Request latency.\n")
	fmt.Fprintf(&b, "# TYPE nproxy_request_duration_seconds histogram\n")
	for i, bound := range histogramBounds {
		fmt.Fprintf(&b, "nproxy_request_duration_seconds_bucket{le=\"%g\"} %d\n", bound/1e6, s.BucketCumulative[i])
	}
	fmt.Fprintf(&b, "nproxy_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", s.BucketCumulative[numBuckets-1])
	fmt.Fprintf(&b, "nproxy_request_duration_seconds_sum %g\n", s.SumSeconds)
	fmt.Fprintf(&b, "nproxy_request_duration_seconds_count %d\n", s.HistCount)

	return b.String()
}
