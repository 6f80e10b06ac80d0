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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

func TestRegister(t *testing.T) {
	for _, tc := range []struct {
		name    string
		metric  string
		fields  []Field
		wantErr error
	}{
		{name: "ok", metric: "/phys/free_pages"},
		{name: "no slash", metric: "phys", wantErr: ErrInvalidName},
		{name: "trailing slash", metric: "/phys/", wantErr: ErrInvalidName},
		{name: "upper case", metric: "/Phys", wantErr: ErrInvalidName},
		{name: "empty field", metric: "/x", fields: []Field{NewField("f")}, wantErr: ErrFieldHasNoAllowedValues},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.RegisterCustomUint64Metric(tc.metric, false, "test", func(...string) uint64 { return 0 }, tc.fields...)
			if err != tc.wantErr {
				t.Errorf("RegisterCustomUint64Metric got err %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegisterDuplicateAndInitialized(t *testing.T) {
	r := NewRegistry()
	r.MustCreateNewUint64Metric("/a", "a")
	if _, err := r.NewUint64Metric("/a", "again"); err != ErrNameInUse {
		t.Errorf("NewUint64Metric duplicate got err %v, want %v", err, ErrNameInUse)
	}
	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := r.Initialize(); err == nil {
		t.Errorf("second Initialize succeeded")
	}
	if _, err := r.NewUint64Metric("/b", "b"); err != ErrInitializationDone {
		t.Errorf("NewUint64Metric after Initialize got err %v, want %v", err, ErrInitializationDone)
	}
}

func TestFields(t *testing.T) {
	r := NewRegistry()
	m := r.MustCreateNewUint64Metric("/ipc/messages", "messages",
		NewField("kind", "signal", "request", "reply"),
		NewField("result", "ok", "error"))
	m.Increment("request", "ok")
	m.IncrementBy(5, "reply", "error")
	m.Increment("request", "ok")

	if got := m.Value("request", "ok"); got != 2 {
		t.Errorf("Value(request, ok) = %d, want 2", got)
	}
	if got := m.Value("reply", "error"); got != 5 {
		t.Errorf("Value(reply, error) = %d, want 5", got)
	}
	if got := m.Value("signal", "ok"); got != 0 {
		t.Errorf("Value(signal, ok) = %d, want 0", got)
	}

	snaps := r.Snapshot()
	if len(snaps) != 1 || len(snaps[0].Samples) != 6 {
		t.Fatalf("Snapshot = %+v, want one metric with 6 samples", snaps)
	}
	var total uint64
	for _, s := range snaps[0].Samples {
		total += s.Value
		if len(s.Fields) != 2 {
			t.Errorf("sample %+v has %d fields, want 2", s, len(s.Fields))
		}
	}
	if total != 7 {
		t.Errorf("total over samples = %d, want 7", total)
	}
}

func TestDisallowedFieldValuePanics(t *testing.T) {
	r := NewRegistry()
	m := r.MustCreateNewUint64Metric("/x", "x", NewField("f", "a"))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("b")
}

func TestFieldMapperRoundTrip(t *testing.T) {
	f, err := newFieldMapper(NewField("a", "x", "y"), NewField("b", "1", "2", "3"))
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int]bool)
	for key := 0; key < f.combinations; key++ {
		values := f.values(key)
		if got := f.lookup(values...); got != key {
			t.Errorf("lookup(%v) = %d, want %d", values, got, key)
		}
		seen[key] = true
	}
	if len(seen) != 6 {
		t.Errorf("got %d keys, want 6", len(seen))
	}
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry()
	free := uint64(42)
	r.MustRegisterCustomUint64Metric("/phys/free_pages", false, "Free physical pages.", func(...string) uint64 { return free })
	irqs := r.MustCreateNewUint64Metric("/irq/handled", "Interrupts handled.", NewField("result", "handled", "unhandled"))
	irqs.IncrementBy(3, "handled")

	var buf bytes.Buffer
	if err := r.WritePrometheus(&buf, DefaultPrefix); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v\n%s", err, buf.String())
	}

	type sample struct {
		Labels map[string]string
		Value  float64
	}
	got := make(map[string][]sample)
	for name, mf := range parsed {
		for _, m := range mf.GetMetric() {
			s := sample{Labels: map[string]string{}}
			for _, l := range m.GetLabel() {
				s.Labels[l.GetName()] = l.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				s.Value = c.GetValue()
			} else {
				s.Value = m.GetGauge().GetValue()
			}
			got[name] = append(got[name], s)
		}
	}
	want := map[string][]sample{
		"kiwi_phys_free_pages": {{Labels: map[string]string{}, Value: 42}},
		"kiwi_irq_handled": {
			{Labels: map[string]string{"result": "handled"}, Value: 3},
			{Labels: map[string]string{"result": "unhandled"}, Value: 0},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exported metrics mismatch (-want +got):\n%s", diff)
	}
	if typ := parsed["kiwi_irq_handled"].GetType().String(); typ != "COUNTER" {
		t.Errorf("irq_handled type = %s, want COUNTER", typ)
	}
	if typ := parsed["kiwi_phys_free_pages"].GetType().String(); typ != "GAUGE" {
		t.Errorf("free_pages type = %s, want GAUGE", typ)
	}
}

func TestPrometheusName(t *testing.T) {
	if got := PrometheusName("kiwi", "/sched/context_switches"); got != "kiwi_sched_context_switches" {
		t.Errorf("PrometheusName = %q", got)
	}
	if got := PrometheusName("", "/a/b"); got != "a_b" {
		t.Errorf("PrometheusName without prefix = %q", got)
	}
}
