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

package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the client's prometheus collectors. Several clients sharing a
// registerer share the collectors.
type Metrics struct {
	BackPressure       prometheus.Counter
	AdminActions       prometheus.Counter
	FragmentsReceived  prometheus.Counter
	BroadcastLaps      prometheus.Counter
	AbandonedMessages  prometheus.Counter
	RegistrationErrors prometheus.Counter
	Images             prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shmbus",
		Subsystem: "client",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BackPressure:       newCounter("back_pressure_total", "Offers and claims refused by the publication limit."),
		AdminActions:       newCounter("admin_actions_total", "Offers and claims that hit a term rotation."),
		FragmentsReceived:  newCounter("fragments_received_total", "Fragments delivered by subscription polls."),
		BroadcastLaps:      newCounter("broadcast_laps_total", "Times the driver broadcast lapped this client."),
		AbandonedMessages:  newCounter("abandoned_messages_total", "Incomplete fragmented messages discarded."),
		RegistrationErrors: newCounter("registration_errors_total", "Driver registrations that failed."),
		Images: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmbus",
			Subsystem: "client",
			Name:      "images",
			Help:      "Images currently available to subscriptions.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.BackPressure, err = registerCounter(reg, m.BackPressure); err != nil {
		return nil, err
	}
	if m.AdminActions, err = registerCounter(reg, m.AdminActions); err != nil {
		return nil, err
	}
	if m.FragmentsReceived, err = registerCounter(reg, m.FragmentsReceived); err != nil {
		return nil, err
	}
	if m.BroadcastLaps, err = registerCounter(reg, m.BroadcastLaps); err != nil {
		return nil, err
	}
	if m.AbandonedMessages, err = registerCounter(reg, m.AbandonedMessages); err != nil {
		return nil, err
	}
	if m.RegistrationErrors, err = registerCounter(reg, m.RegistrationErrors); err != nil {
		return nil, err
	}
	if err := reg.Register(m.Images); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.Images = are.ExistingCollector.(prometheus.Gauge)
	}
	return m, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Counter), nil
		}
		return nil, err
	}
	return c, nil
}
