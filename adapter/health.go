/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package adapter connects a shmbus client to health probes and
// OpenTelemetry.
package adapter

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmbus/api"
)

const healthNamespace = "shmbus"

// NewHealthHandler serves /live and /ready for a driver connection. Liveness
// fails once the connection is lost for good; readiness also fails while the
// driver heartbeat is older than maxHeartbeatAge. When reg is not nil the
// check results are exported as prometheus gauges.
func NewHealthHandler(m api.DriverMonitor, maxHeartbeatAge time.Duration, reg prometheus.Registerer) healthcheck.Handler {
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, healthNamespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("client", ConnectionCheck(m))
	h.AddReadinessCheck("driver-heartbeat", DriverHeartbeatCheck(m, maxHeartbeatAge))
	return h
}

// ConnectionCheck fails when the monitor reports an error.
func ConnectionCheck(m api.DriverMonitor) healthcheck.Check {
	return func() error {
		return m.Err()
	}
}

// DriverHeartbeatCheck fails when the driver has not consumed commands for
// longer than maxAge.
func DriverHeartbeatCheck(m api.DriverMonitor, maxAge time.Duration) healthcheck.Check {
	return func() error {
		beat := m.DriverHeartbeat()
		if beat.IsZero() {
			return fmt.Errorf("no driver heartbeat")
		}
		if age := time.Since(beat); age > maxAge {
			return fmt.Errorf("driver heartbeat is %v old, limit %v", age.Truncate(time.Millisecond), maxAge)
		}
		return nil
	}
}
