// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedTupleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seepflow",
			Subsystem: "executor",
			Name:      "processed_tuples_total",
			Help:      "number of tuples handed to the task",
		}, []string{"cardinality"})
	pollTimeoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seepflow",
			Subsystem: "executor",
			Name:      "poll_timeout_total",
			Help:      "number of input polls that returned no data",
		})
	dataItemErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seepflow",
			Subsystem: "executor",
			Name:      "data_item_error_total",
			Help:      "number of input items dropped because they could not be decoded",
		})
	taskProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "seepflow",
			Subsystem: "executor",
			Name:      "task_process_duration_seconds",
			Help:      "time spent by the task on one data item",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		})
)

// InitExecutorMetrics registers statistics of the worker
func InitExecutorMetrics(registry *prometheus.Registry) {
	registry.MustRegister(processedTupleCounter)
	registry.MustRegister(pollTimeoutCounter)
	registry.MustRegister(dataItemErrorCounter)
	registry.MustRegister(taskProcessDuration)
}
