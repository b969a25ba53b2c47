/*
Copyright 2024 Blnk Finance Authors.

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

// Package metrics holds the Prometheus collectors of the trading workers.
//
//   - rebalancer_messages_total{module,outcome}  queue messages by final disposition
//   - rebalancer_lock_acquisitions_total{result} acquired | busy | error
//   - rebalancer_lock_lost_total                 leases lost after a successful acquire
//   - rebalancer_orders_total{side,result}       exchange orders placed or failed
//   - rebalancer_ledger_write_failures_total     swallowed ledger writes on the error path
//
// Collectors are registered on the default registry in init() and exposed by
// the ops server at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_messages_total",
			Help: "Queue messages processed, split by module and outcome",
		},
		[]string{"module", "outcome"},
	)

	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_lock_acquisitions_total",
			Help: "Lock acquisition attempts split by result",
		},
		[]string{"result"},
	)

	LockLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_lock_lost_total",
			Help: "Locks whose lease extension failed while the critical section was running",
		},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_orders_total",
			Help: "Exchange orders split by side and result",
		},
		[]string{"side", "result"},
	)

	LedgerWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_ledger_write_failures_total",
			Help: "Ledger writes that failed on a disposal path and were swallowed",
		},
	)
)

func init() {
	prometheus.MustRegister(Messages, LockAcquisitions, LockLost, Orders, LedgerWriteFailures)
}
