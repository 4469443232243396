// Copyright 2024 The rvisor Authors.
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

// Package metric provides primitives for collecting kernel counters.
package metric

import (
	"errors"
	"fmt"
	"sort"

	"rvisor.dev/rvisor/pkg/atomicbitops"
	"rvisor.dev/rvisor/pkg/log"
	"rvisor.dev/rvisor/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	value atomicbitops.Uint64
}

// customUint64Metric describes a registered metric. The value function reads
// the current value, which may live outside this package (e.g. a free-frame
// gauge maintained by an allocator).
type customUint64Metric struct {
	// description describes the metric. It is immutable.
	description string

	// value returns the current value of the metric.
	value func() uint64
}

var (
	// initialized indicates that all metrics are registered. allMetrics is
	// immutable once initialized is true.
	initialized bool

	// allMetrics are the registered metrics.
	allMetrics = makeMetricSet()
)

// metricSet holds named metrics.
type metricSet struct {
	mu sync.Mutex

	// uint64Metrics is the set of metrics keyed by name.
	uint64Metrics map[string]customUint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics: make(map[string]customUint64Metric),
	}
}

// metricValues is a point-in-time copy of every registered metric.
type metricValues map[string]uint64

// Values returns a snapshot of all registered metrics.
func (m *metricSet) Values() metricValues {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make(metricValues, len(m.uint64Metrics))
	for k, v := range m.uint64Metrics {
		vals[k] = v.value()
	}
	return vals
}

// Initialize marks the end of metric registration. Metrics registered after
// Initialize returns an error.
//
// Precondition:
//   - All metrics are registered.
//   - Initialize has not been called.
func Initialize() error {
	if initialized {
		return errors.New("metric.Initialize called after metric.Initialize")
	}
	initialized = true
	return nil
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// current value is read through the given function.
//
// Preconditions:
//   - name must be globally unique.
//   - Initialize has not been called.
func RegisterCustomUint64Metric(name string, description string, value func() uint64) error {
	if initialized {
		return ErrInitializationDone
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return ErrNameInUse
	}

	allMetrics.uint64Metrics[name] = customUint64Metric{
		description: description,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, description, value); err != nil {
		panic(fmt.Sprintf("unable to register metric %q: %v", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name string, description string) (*Uint64Metric, error) {
	m := Uint64Metric{}
	return &m, RegisterCustomUint64Metric(name, description, m.value.Load)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("unable to create metric %q: %v", name, err))
	}
	return m
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

var (
	// emitMu protects metricsAtLastEmit and ensures that all emitted
	// metrics are strongly ordered (older metrics are never emitted after
	// newer metrics).
	emitMu sync.Mutex

	// metricsAtLastEmit contains the state of the metrics at the last emit
	// event.
	metricsAtLastEmit metricValues
)

// EmitMetricUpdate logs all metrics that have changed since the last call.
//
// EmitMetricUpdate is thread-safe.
func EmitMetricUpdate() {
	emitMu.Lock()
	defer emitMu.Unlock()

	snapshot := allMetrics.Values()

	// On the first call metricsAtLastEmit will be empty. Include all
	// metrics then.
	names := make([]string, 0, len(snapshot))
	for k, v := range snapshot {
		if prev, ok := metricsAtLastEmit[k]; ok && prev == v {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		log.Infof("metric %s: %d", k, snapshot[k])
	}

	metricsAtLastEmit = snapshot
}

// SnapshotAll returns the current value of every registered metric, keyed by
// name. It is intended for diagnostic output.
func SnapshotAll() map[string]uint64 {
	return allMetrics.Values()
}
