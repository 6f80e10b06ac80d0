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

// Package metric provides primitives for collecting kernel metrics and
// exporting them in the Prometheus text format.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"kiwi.dev/kiwi/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must start with / and contain only [a-z0-9_/]")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	name          string
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// fieldMapper maps a combination of field values to a single key.
type fieldMapper struct {
	fields       []Field
	combinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	combinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		combinations *= len(f.allowedValues)
		if combinations > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{fields: fields, combinations: combinations}, nil
}

// lookup returns the key of a combination of field values. It panics if the
// number of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	key := 0
next:
	for i, v := range values {
		allowed := m.fields[i].allowedValues
		for j, a := range allowed {
			if v == a {
				key = key*len(allowed) + j
				continue next
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", v, m.fields[i].name))
	}
	return key
}

// values is the inverse of lookup.
func (m fieldMapper) values(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	vs := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		allowed := m.fields[i].allowedValues
		vs[i] = allowed[key%len(allowed)]
		key /= len(allowed)
	}
	return vs
}

// metadata describes a registered metric. It is immutable.
type metadata struct {
	name        string
	description string
	cumulative  bool
	fields      fieldMapper
	value       func(fieldValues ...string) uint64
}

// Registry holds a set of metrics. Each kernel has its own.
type Registry struct {
	mu          sync.Mutex
	initialized bool
	metrics     map[string]*metadata
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*metadata)}
}

func validName(name string) bool {
	if len(name) < 2 || name[0] != '/' || strings.HasSuffix(name, "/") {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '/':
		default:
			return false
		}
	}
	return true
}

// Initialize marks registration complete. Metrics registered afterwards
// fail with ErrInitializationDone.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return errors.New("metric.Initialize called twice")
	}
	r.initialized = true
	return nil
}

// RegisterCustomUint64Metric registers a metric whose value is computed by
// value on every export. Cumulative metrics are exported as counters, the
// rest as gauges.
//
// Preconditions:
//   - value is expected to accept exactly len(fields) arguments.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if !validName(name) {
		return ErrInvalidName
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return ErrInitializationDone
	}
	if _, ok := r.metrics[name]; ok {
		return ErrNameInUse
	}
	r.metrics[name] = &metadata{
		name:        name,
		description: description,
		cumulative:  cumulative,
		fields:      f,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields holds one counter per combination of field values.
	fields      []atomic.Uint64
	fieldMapper fieldMapper
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		fields:      make([]atomic.Uint64, f.combinations),
		fieldMapper: f,
	}
	if err := r.RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func (r *Registry) MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Sample is the value of a metric for one combination of field values.
type Sample struct {
	Fields map[string]string
	Value  uint64
}

// Snapshot is the state of one metric.
type Snapshot struct {
	Name        string
	Description string
	Cumulative  bool
	Samples     []Sample
}

// Snapshot reads every metric, sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	ms := make([]*metadata, 0, len(r.metrics))
	for _, m := range r.metrics {
		ms = append(ms, m)
	}
	r.mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	snaps := make([]Snapshot, 0, len(ms))
	for _, m := range ms {
		s := Snapshot{Name: m.name, Description: m.description, Cumulative: m.cumulative}
		for key := 0; key < m.fields.combinations; key++ {
			values := m.fields.values(key)
			sample := Sample{Value: m.value(values...)}
			if len(values) > 0 {
				sample.Fields = make(map[string]string, len(values))
				for i, v := range values {
					sample.Fields[m.fields.fields[i].name] = v
				}
			}
			s.Samples = append(s.Samples, sample)
		}
		snaps = append(snaps, s)
	}
	return snaps
}
