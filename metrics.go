/*
Copyright 2025 Courier Authors.

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

package courier

import "sync/atomic"

// Metrics counts delivery-layer events. One instance is constructed at
// process start and injected into the relay, sweeper and consumer; nothing
// reads or writes these counters through package state.
type Metrics struct {
	published     atomic.Int64
	publishFailed atomic.Int64
	consumed      atomic.Int64
	duplicates    atomic.Int64
	retried       atomic.Int64
	deadLettered  atomic.Int64
	compensated   atomic.Int64
	cleaned       atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncPublished()     { m.published.Add(1) }
func (m *Metrics) IncPublishFailed() { m.publishFailed.Add(1) }
func (m *Metrics) IncConsumed()      { m.consumed.Add(1) }
func (m *Metrics) IncDuplicate()     { m.duplicates.Add(1) }
func (m *Metrics) IncRetried()       { m.retried.Add(1) }
func (m *Metrics) IncDeadLettered()  { m.deadLettered.Add(1) }
func (m *Metrics) IncCompensated()   { m.compensated.Add(1) }
func (m *Metrics) AddCleaned(n int64) {
	m.cleaned.Add(n)
}

// Snapshot returns the current counter values keyed by metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"messaging.publish.success":  m.published.Load(),
		"messaging.publish.failure":  m.publishFailed.Load(),
		"messaging.consume.success":  m.consumed.Load(),
		"messaging.idempotent.hit":   m.duplicates.Load(),
		"messaging.consume.retry":    m.retried.Load(),
		"messaging.deadletter.total": m.deadLettered.Load(),
		"messaging.compensate.total": m.compensated.Load(),
		"messaging.cleaned.total":    m.cleaned.Load(),
	}
}
