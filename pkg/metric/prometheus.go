// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// DefaultPrefix is prepended to exported metric names.
const DefaultPrefix = "kiwi"

// PrometheusName converts a metric name such as /phys/free_pages to its
// exported form, kiwi_phys_free_pages.
func PrometheusName(prefix, name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if prefix == "" {
		return n
	}
	return prefix + "_" + n
}

// MetricFamilies converts a snapshot of every metric to Prometheus metric
// families, sorted by name.
func (r *Registry) MetricFamilies(prefix string) []*dto.MetricFamily {
	var families []*dto.MetricFamily
	for _, s := range r.Snapshot() {
		mf := &dto.MetricFamily{
			Name: proto.String(PrometheusName(prefix, s.Name)),
			Help: proto.String(s.Description),
			Type: dto.MetricType_GAUGE.Enum(),
		}
		if s.Cumulative {
			mf.Type = dto.MetricType_COUNTER.Enum()
		}
		for _, sample := range s.Samples {
			m := &dto.Metric{Label: labels(sample.Fields)}
			v := proto.Float64(float64(sample.Value))
			if s.Cumulative {
				m.Counter = &dto.Counter{Value: v}
			} else {
				m.Gauge = &dto.Gauge{Value: v}
			}
			mf.Metric = append(mf.Metric, m)
		}
		families = append(families, mf)
	}
	return families
}

func labels(fields map[string]string) []*dto.LabelPair {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for n := range fields {
		names = append(names, n)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names))
	for _, n := range names {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(n), Value: proto.String(fields[n])})
	}
	return pairs
}

// WritePrometheus writes every metric to w in the Prometheus text
// exposition format.
func (r *Registry) WritePrometheus(w io.Writer, prefix string) error {
	bw := bufio.NewWriter(w)
	for _, mf := range r.MetricFamilies(prefix) {
		if _, err := expfmt.MetricFamilyToText(bw, mf); err != nil {
			return err
		}
	}
	return bw.Flush()
}
