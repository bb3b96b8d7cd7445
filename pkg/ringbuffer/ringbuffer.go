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

// Package ringbuffer implements the command channel clients use to reach the
// driver: a many-producer single-consumer ring of length-prefixed records in
// shared memory.
package ringbuffer

import (
	"errors"
	"fmt"

	"github.com/srediag/shmbus/pkg/buffer"
)

// Record header: length int32 @0, message type id int32 @4.
const (
	RecordHeaderLength int32 = 8
	RecordAlignment    int32 = 8

	// PaddingMsgTypeId marks a record that fills the space up to the end of
	// the buffer when a message does not fit before the wrap.
	PaddingMsgTypeId int32 = -1
)

// Trailer layout after the record area. Each counter sits on its own pair
// of cache lines.
const (
	TailPositionOffset       int32 = 0
	HeadCachePositionOffset  int32 = 128
	HeadPositionOffset       int32 = 256
	CorrelationCounterOffset int32 = 384
	ConsumerHeartbeatOffset  int32 = 512
	TrailerLength            int32 = 768
)

var (
	// ErrInsufficientCapacity reports that the consumer has not freed enough
	// space for the record. Retry after backing off.
	ErrInsufficientCapacity = errors.New("insufficient ring buffer capacity")
	ErrMessageTooLong       = errors.New("message exceeds ring buffer max length")
	ErrInvalidMsgType       = errors.New("message type id must be positive")
	ErrInvalidCapacity      = errors.New("ring buffer capacity must be a power of two")
)

// MessageHandler receives one record payload.
type MessageHandler func(msgTypeId int32, buf *buffer.AtomicBuffer, offset, length int32)

// ManyToOne is the ring. Writers on any number of threads or processes may
// call Write concurrently; a single consumer calls Read.
type ManyToOne struct {
	buf            *buffer.AtomicBuffer
	capacity       int32
	maxMsgLength   int32
	tailPos        int32
	headCachePos   int32
	headPos        int32
	correlationPos int32
	heartbeatPos   int32
}

// New wraps buf, whose length must be a power of two plus TrailerLength.
func New(buf *buffer.AtomicBuffer) (*ManyToOne, error) {
	capacity := buf.Capacity() - TrailerLength
	if capacity <= 0 || !buffer.IsPowerOfTwo(int64(capacity)) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &ManyToOne{
		buf:            buf,
		capacity:       capacity,
		maxMsgLength:   capacity / 8,
		tailPos:        capacity + TailPositionOffset,
		headCachePos:   capacity + HeadCachePositionOffset,
		headPos:        capacity + HeadPositionOffset,
		correlationPos: capacity + CorrelationCounterOffset,
		heartbeatPos:   capacity + ConsumerHeartbeatOffset,
	}, nil
}

// Capacity returns the record area length.
func (r *ManyToOne) Capacity() int32 { return r.capacity }

// MaxMsgLength returns the largest payload Write accepts.
func (r *ManyToOne) MaxMsgLength() int32 { return r.maxMsgLength }

// Size returns the number of bytes waiting to be read.
func (r *ManyToOne) Size() int32 {
	for {
		before := r.buf.GetInt64Volatile(r.headPos)
		tail := r.buf.GetInt64Volatile(r.tailPos)
		after := r.buf.GetInt64Volatile(r.headPos)
		if before == after {
			return int32(tail - after)
		}
	}
}

// NextCorrelationId returns a process-wide unique id for a request.
func (r *ManyToOne) NextCorrelationId() int64 {
	return r.buf.GetAndAddInt64(r.correlationPos, 1)
}

// ConsumerHeartbeatTime returns the last time (ms) the consumer reported
// itself alive.
func (r *ManyToOne) ConsumerHeartbeatTime() int64 {
	return r.buf.GetInt64Volatile(r.heartbeatPos)
}

// SetConsumerHeartbeatTime is called by the consumer to report liveness.
func (r *ManyToOne) SetConsumerHeartbeatTime(ms int64) {
	r.buf.PutInt64Ordered(r.heartbeatPos, ms)
}

func makeHeader(length, msgTypeId int32) int64 {
	return int64(msgTypeId)<<32 | int64(uint32(length))
}

// Write appends one record. It never blocks: when the consumer lags it
// returns ErrInsufficientCapacity and leaves queued records untouched.
func (r *ManyToOne) Write(msgTypeId int32, src []byte) error {
	if msgTypeId < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMsgType, msgTypeId)
	}
	length := int32(len(src))
	if length > r.maxMsgLength {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, length, r.maxMsgLength)
	}
	recordLength := length + RecordHeaderLength
	required := buffer.Align(recordLength, RecordAlignment)
	index, err := r.claimCapacity(required)
	if err != nil {
		return err
	}
	r.buf.PutInt64Ordered(index, makeHeader(-recordLength, msgTypeId))
	r.buf.PutBytes(index+RecordHeaderLength, src)
	r.buf.PutInt32Ordered(index, recordLength)
	return nil
}

func (r *ManyToOne) claimCapacity(required int32) (int32, error) {
	mask := int64(r.capacity - 1)
	capacity := int64(r.capacity)
	head := r.buf.GetInt64Volatile(r.headCachePos)

	for {
		tail := r.buf.GetInt64Volatile(r.tailPos)
		if int64(required) > capacity-(tail-head) {
			head = r.buf.GetInt64Volatile(r.headPos)
			if int64(required) > capacity-(tail-head) {
				return 0, ErrInsufficientCapacity
			}
			r.buf.PutInt64Ordered(r.headCachePos, head)
		}

		var padding int32
		tailIndex := int32(tail & mask)
		toEnd := r.capacity - tailIndex
		if required > toEnd {
			headIndex := int32(head & mask)
			if required > headIndex {
				head = r.buf.GetInt64Volatile(r.headPos)
				headIndex = int32(head & mask)
				if required > headIndex {
					return 0, ErrInsufficientCapacity
				}
				r.buf.PutInt64Ordered(r.headCachePos, head)
			}
			padding = toEnd
		}

		if r.buf.CompareAndSetInt64(r.tailPos, tail, tail+int64(required)+int64(padding)) {
			if padding != 0 {
				r.buf.PutInt64Ordered(tailIndex, makeHeader(padding, PaddingMsgTypeId))
				tailIndex = 0
			}
			return tailIndex, nil
		}
	}
}

// Read delivers up to limit records in FIFO order and returns how many were
// delivered. Consumed space is zeroed and released even if handler panics.
func (r *ManyToOne) Read(handler MessageHandler, limit int) int {
	head := r.buf.GetInt64(r.headPos)
	headIndex := int32(head & int64(r.capacity-1))
	contiguous := r.capacity - headIndex
	var bytesRead int32
	messagesRead := 0

	defer func() {
		if bytesRead != 0 {
			r.buf.SetMemory(headIndex, bytesRead, 0)
			r.buf.PutInt64Ordered(r.headPos, head+int64(bytesRead))
		}
	}()

	for bytesRead < contiguous && messagesRead < limit {
		recordIndex := headIndex + bytesRead
		recordLength := r.buf.GetInt32Volatile(recordIndex)
		if recordLength <= 0 {
			break
		}
		bytesRead += buffer.Align(recordLength, RecordAlignment)
		msgTypeId := r.buf.GetInt32(recordIndex + 4)
		if msgTypeId == PaddingMsgTypeId {
			continue
		}
		messagesRead++
		handler(msgTypeId, r.buf, recordIndex+RecordHeaderLength, recordLength-RecordHeaderLength)
	}
	return messagesRead
}
