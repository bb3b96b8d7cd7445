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
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/counters"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

const (
	testTermLength = logbuffer.TermMinLength
	testMtu        = int32(1408)
	testStreamId   = int32(1001)
	testChannel    = "shm:test"
)

// newMemoryLog builds a log buffer in ordinary memory.
func newMemoryLog(initialTermId, sessionId int32) (*logbuffer.LogBuffers, error) {
	mem := make([]byte, logbuffer.ComputeLogLength(testTermLength))
	meta := buffer.New(mem[len(mem)-int(logbuffer.LogMetaDataLength):])
	err := logbuffer.Initialize(meta, logbuffer.LogParams{
		TermLength:    testTermLength,
		PageSize:      logbuffer.PageMinSize,
		MtuLength:     testMtu,
		InitialTermId: initialTermId,
		SessionId:     sessionId,
		StreamId:      testStreamId,
		CorrelationId: 1,
	})
	if err != nil {
		return nil, err
	}
	return logbuffer.Wrap(mem)
}

// newCounter returns counter id 0 of a fresh values buffer.
func newTestCounter() *counters.Position {
	p, err := counters.NewPosition(buffer.New(make([]byte, 4*counters.CounterLength)), 0)
	if err != nil {
		panic(err)
	}
	return p
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return -1
	}
	return m.GetGauge().GetValue()
}
