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

package servermaster

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	appStatusGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "seepflow",
			Subsystem: "server_master",
			Name:      "app_status",
			Help:      "current application lifecycle status",
		})
	executionUnitNumGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "seepflow",
			Subsystem: "server_master",
			Name:      "execution_unit_num",
			Help:      "number of execution units in this cluster",
		}, []string{"status"})
	broadcastCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seepflow",
			Subsystem: "server_master",
			Name:      "broadcast_total",
			Help:      "number of commands sent to execution units",
		}, []string{"command", "result"})
	stageStatusCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seepflow",
			Subsystem: "server_master",
			Name:      "stage_status_total",
			Help:      "number of stage status reports received",
		}, []string{"status"})
)

// InitServerMetrics registers statistics of server
func InitServerMetrics(registry *prometheus.Registry) {
	registry.MustRegister(appStatusGauge)
	registry.MustRegister(executionUnitNumGauge)
	registry.MustRegister(broadcastCounter)
	registry.MustRegister(stageStatusCounter)
}

func onStatusChange(status AppStatus) {
	appStatusGauge.Set(float64(status))
}

func onUnitsChange(available, leased int) {
	executionUnitNumGauge.WithLabelValues("available").Set(float64(available))
	executionUnitNumGauge.WithLabelValues("leased").Set(float64(leased))
}
