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

package counters

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmbus/pkg/buffer"
)

func TestPosition(t *testing.T) {
	values := buffer.New(make([]byte, 4*CounterLength))

	p, err := NewPosition(values, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.Id())

	p.SetOrdered(100)
	assert.Equal(t, int64(100), values.GetInt64(2*CounterLength))
	assert.True(t, p.ProposeMaxOrdered(200))
	assert.False(t, p.ProposeMaxOrdered(150))
	assert.Equal(t, int64(200), p.GetVolatile())

	// another view of the same slot sees writes immediately
	q, err := NewPosition(values, 2)
	require.NoError(t, err)
	q.Set(7)
	assert.Equal(t, int64(7), p.Get())

	_, err = NewPosition(values, 4)
	assert.True(t, errors.Is(err, ErrCounterOutOfRange))
	_, err = NewPosition(values, -1)
	assert.True(t, errors.Is(err, ErrCounterOutOfRange))
}

func TestPositionRejectsIdsPastInt32Offsets(t *testing.T) {
	values := buffer.New(make([]byte, 4096))
	for _, id := range []int32{1 << 24, 1 << 25, math.MaxInt32} {
		p, err := NewPosition(values, id)
		assert.Nil(t, p, "id %d", id)
		assert.True(t, errors.Is(err, ErrCounterOutOfRange), "id %d", id)
	}

	last, err := NewPosition(values, 4096/CounterLength-1)
	require.NoError(t, err)
	last.SetOrdered(9)
	assert.Equal(t, int64(9), last.GetVolatile())
}

func TestAllocator(t *testing.T) {
	values := buffer.New(make([]byte, 2*CounterLength))
	a := NewAllocator(values)

	p0, err := a.Allocate()
	require.NoError(t, err)
	p0.Set(55)
	p1, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, int32(1), p1.Id())

	_, err = a.Allocate()
	assert.True(t, errors.Is(err, ErrNoMoreCounters))

	a.Free(p0.Id())
	again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, int32(0), again.Id())
	assert.Equal(t, int64(0), again.Get())
}
