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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsShareRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	first.BackPressure.Inc()
	second.BackPressure.Inc()
	first.Images.Inc()
	assert.Equal(t, float64(2), counterValue(second.BackPressure))
	assert.Equal(t, float64(1), gaugeValue(second.Images))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["shmbus_client_back_pressure_total"])
	assert.True(t, names["shmbus_client_images"])
}

func TestMetricsWithoutRegisterer(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.FragmentsReceived.Add(3)
	assert.Equal(t, float64(3), counterValue(m.FragmentsReceived))
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(ErrBackPressured))
	assert.True(t, IsRetriable(ErrAdminAction))
	assert.False(t, IsRetriable(ErrPublicationUnavailable))
	assert.False(t, IsRetriable(ErrMaxPositionExceeded))
	assert.False(t, IsRetriable(&RegistrationError{Code: 1}))
}
