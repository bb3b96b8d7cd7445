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

// Package counters gives access to the counter values buffer shared with the
// driver. Each counter owns one 128-byte slot with its value at offset 0.
package counters

import (
	"errors"
	"fmt"
	"sync"

	"github.com/srediag/shmbus/pkg/buffer"
)

// CounterLength is the slot size of one counter.
const CounterLength int32 = 128

var (
	ErrCounterOutOfRange = errors.New("counter id out of range")
	ErrNoMoreCounters    = errors.New("counter values buffer full")
)

// Position is a driver-visible cell such as a publication limit or a
// subscriber position. Every read goes to shared memory.
type Position struct {
	values *buffer.AtomicBuffer
	id     int32
	offset int32
}

// NewPosition returns the counter with the given id.
func NewPosition(values *buffer.AtomicBuffer, id int32) (*Position, error) {
	if id < 0 || int64(id)+1 > int64(values.Capacity())/int64(CounterLength) {
		return nil, fmt.Errorf("%w: id %d, capacity %d", ErrCounterOutOfRange, id, values.Capacity())
	}
	return &Position{values: values, id: id, offset: id * CounterLength}, nil
}

// Id is the counter's slot in the values buffer.
func (p *Position) Id() int32 { return p.id }

// Get reads the value without ordering.
func (p *Position) Get() int64 { return p.values.GetInt64(p.offset) }

// GetVolatile reads the value with acquire semantics.
func (p *Position) GetVolatile() int64 { return p.values.GetInt64Volatile(p.offset) }

// Set stores v without ordering.
func (p *Position) Set(v int64) { p.values.PutInt64(p.offset, v) }

// SetOrdered stores v with release semantics.
func (p *Position) SetOrdered(v int64) { p.values.PutInt64Ordered(p.offset, v) }

// ProposeMaxOrdered stores v when it exceeds the current value.
func (p *Position) ProposeMaxOrdered(v int64) bool {
	if p.values.GetInt64(p.offset) < v {
		p.values.PutInt64Ordered(p.offset, v)
		return true
	}
	return false
}

// Allocator hands out counter slots. Only the driver allocates.
type Allocator struct {
	mu     sync.Mutex
	values *buffer.AtomicBuffer
	free   []int32
	next   int32
}

// NewAllocator returns an allocator over values.
func NewAllocator(values *buffer.AtomicBuffer) *Allocator {
	return &Allocator{values: values}
}

// Allocate zeroes and returns a free counter.
func (a *Allocator) Allocate() (*Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var id int32
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if int64(a.next)+1 > int64(a.values.Capacity())/int64(CounterLength) {
			return nil, ErrNoMoreCounters
		}
		id = a.next
		a.next++
	}
	p, err := NewPosition(a.values, id)
	if err != nil {
		return nil, err
	}
	p.SetOrdered(0)
	return p, nil
}

// Free returns id to the allocator.
func (a *Allocator) Free(id int32) {
	a.mu.Lock()
	a.free = append(a.free, id)
	a.mu.Unlock()
}
