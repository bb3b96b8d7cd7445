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

// Package broadcast carries driver notifications to every client. The driver
// is the only writer; each client reads with its own cursor and may fall
// behind and lose messages.
package broadcast

import (
	"errors"
	"fmt"

	"github.com/srediag/shmbus/pkg/buffer"
)

// Record header: length int32 @0, message type id int32 @4.
const (
	RecordHeaderLength int32 = 8
	RecordAlignment    int32 = 8
	PaddingMsgTypeId   int32 = -1
)

// Trailer layout after the record area.
const (
	TailIntentCounterOffset int32 = 0
	TailCounterOffset       int32 = 8
	LatestCounterOffset     int32 = 16
	TrailerLength           int32 = 128
)

var (
	// ErrLapped reports that the transmitter overwrote a record while it was
	// being copied. The receiver has moved on; the record is lost.
	ErrLapped          = errors.New("broadcast receiver lapped by transmitter")
	ErrInvalidCapacity = errors.New("broadcast capacity must be a power of two")
	ErrMessageTooLong  = errors.New("message exceeds broadcast max length")
	ErrInvalidMsgType  = errors.New("message type id must be positive")
)

type layout struct {
	buf           *buffer.AtomicBuffer
	capacity      int32
	mask          int64
	tailIntentPos int32
	tailPos       int32
	latestPos     int32
}

func newLayout(buf *buffer.AtomicBuffer) (layout, error) {
	capacity := buf.Capacity() - TrailerLength
	if capacity <= 0 || !buffer.IsPowerOfTwo(int64(capacity)) {
		return layout{}, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return layout{
		buf:           buf,
		capacity:      capacity,
		mask:          int64(capacity - 1),
		tailIntentPos: capacity + TailIntentCounterOffset,
		tailPos:       capacity + TailCounterOffset,
		latestPos:     capacity + LatestCounterOffset,
	}, nil
}

// MaxMsgLength returns the largest payload a buffer of capacity carries.
func MaxMsgLength(capacity int32) int32 {
	return capacity / 8
}

// Transmitter writes records. Only one may exist per buffer.
type Transmitter struct {
	layout
	maxMsgLength int32
}

// NewTransmitter wraps buf, whose length must be a power of two plus
// TrailerLength.
func NewTransmitter(buf *buffer.AtomicBuffer) (*Transmitter, error) {
	l, err := newLayout(buf)
	if err != nil {
		return nil, err
	}
	return &Transmitter{layout: l, maxMsgLength: MaxMsgLength(l.capacity)}, nil
}

// Capacity returns the record area length.
func (t *Transmitter) Capacity() int32 { return t.capacity }

// Transmit appends a record, overwriting the oldest records once the buffer
// is full. Readers detect this through the tail intent counter.
func (t *Transmitter) Transmit(msgTypeId int32, src []byte) error {
	if msgTypeId < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMsgType, msgTypeId)
	}
	length := int32(len(src))
	if length > t.maxMsgLength {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, length, t.maxMsgLength)
	}

	currentTail := t.buf.GetInt64(t.tailPos)
	recordOffset := int32(currentTail & t.mask)
	recordLength := length + RecordHeaderLength
	alignedLength := buffer.Align(recordLength, RecordAlignment)
	newTail := currentTail + int64(alignedLength)
	toEnd := t.capacity - recordOffset

	if toEnd < alignedLength {
		t.buf.PutInt64Ordered(t.tailIntentPos, newTail+int64(toEnd))
		t.buf.PutInt32(recordOffset, toEnd)
		t.buf.PutInt32(recordOffset+4, PaddingMsgTypeId)
		currentTail += int64(toEnd)
		recordOffset = 0
	} else {
		t.buf.PutInt64Ordered(t.tailIntentPos, newTail)
	}

	t.buf.PutInt32(recordOffset, recordLength)
	t.buf.PutInt32(recordOffset+4, msgTypeId)
	t.buf.PutBytes(recordOffset+RecordHeaderLength, src)

	t.buf.PutInt64(t.latestPos, currentTail)
	t.buf.PutInt64Ordered(t.tailPos, currentTail+int64(alignedLength))
	return nil
}

// Receiver reads records with its own cursor.
type Receiver struct {
	layout
	cursor       int64
	nextRecord   int64
	recordOffset int32
	lappedCount  int64
}

// NewReceiver wraps buf and starts at the latest record.
func NewReceiver(buf *buffer.AtomicBuffer) (*Receiver, error) {
	l, err := newLayout(buf)
	if err != nil {
		return nil, err
	}
	r := &Receiver{layout: l}
	r.cursor = l.buf.GetInt64Volatile(l.latestPos)
	r.nextRecord = r.cursor
	r.recordOffset = int32(r.cursor & l.mask)
	return r, nil
}

// Capacity returns the record area length.
func (r *Receiver) Capacity() int32 { return r.capacity }

// LappedCount returns how many times the receiver had to resynchronize.
func (r *Receiver) LappedCount() int64 { return r.lappedCount }

// TypeId returns the type of the current record.
func (r *Receiver) TypeId() int32 { return r.buf.GetInt32(r.recordOffset + 4) }

// Offset returns where the current payload starts in Buffer.
func (r *Receiver) Offset() int32 { return r.recordOffset + RecordHeaderLength }

// Length returns the current payload length.
func (r *Receiver) Length() int32 { return r.buf.GetInt32(r.recordOffset) - RecordHeaderLength }

// Buffer returns the shared buffer.
func (r *Receiver) Buffer() *buffer.AtomicBuffer { return r.buf }

// ReceiveNext advances to the next record and reports whether there is one.
// A receiver more than a capacity behind the transmitter jumps to the latest
// record and counts a lap.
func (r *Receiver) ReceiveNext() bool {
	tail := r.buf.GetInt64Volatile(r.tailPos)
	cursor := r.nextRecord
	if tail <= cursor {
		return false
	}

	recordOffset := int32(cursor & r.mask)
	if !r.validate(cursor) {
		r.lappedCount++
		cursor = r.buf.GetInt64(r.latestPos)
		recordOffset = int32(cursor & r.mask)
	}

	r.cursor = cursor
	r.nextRecord = cursor + int64(buffer.Align(r.buf.GetInt32(recordOffset), RecordAlignment))

	if r.buf.GetInt32(recordOffset+4) == PaddingMsgTypeId {
		recordOffset = 0
		r.cursor = r.nextRecord
		r.nextRecord += int64(buffer.Align(r.buf.GetInt32(recordOffset), RecordAlignment))
	}
	r.recordOffset = recordOffset
	return true
}

// Validate reports whether the current record is still intact. Call it after
// reading a record to detect that it was overwritten meanwhile.
func (r *Receiver) Validate() bool {
	return r.validate(r.cursor)
}

func (r *Receiver) validate(cursor int64) bool {
	return cursor+int64(r.capacity) > r.buf.GetInt64Volatile(r.tailIntentPos)
}

// Handler receives a copied record.
type Handler func(msgTypeId int32, buf *buffer.AtomicBuffer, offset, length int32)

// CopyReceiver copies each record into a private buffer, validates it was not
// overwritten while copying, and only then hands it over.
type CopyReceiver struct {
	receiver *Receiver
	scratch  *buffer.AtomicBuffer
}

// NewCopyReceiver wraps r with a scratch buffer large enough for any record.
func NewCopyReceiver(r *Receiver) *CopyReceiver {
	return &CopyReceiver{
		receiver: r,
		scratch:  buffer.New(make([]byte, MaxMsgLength(r.Capacity()))),
	}
}

// LappedCount returns the laps of the underlying receiver.
func (c *CopyReceiver) LappedCount() int64 { return c.receiver.LappedCount() }

// Receive delivers at most one record and returns how many were delivered.
func (c *CopyReceiver) Receive(handler Handler) (int, error) {
	r := c.receiver
	if !r.ReceiveNext() {
		return 0, nil
	}
	msgTypeId := r.TypeId()
	length := r.Length()
	if length < 0 || length > c.scratch.Capacity() || r.Offset()+length > r.Capacity() {
		if !r.Validate() {
			return 0, ErrLapped
		}
		return 0, fmt.Errorf("%w: %d", ErrMessageTooLong, length)
	}
	c.scratch.PutBytes(0, r.Buffer().BytesAt(r.Offset(), length))
	if !r.Validate() {
		return 0, ErrLapped
	}
	handler(msgTypeId, c.scratch, 0, length)
	return 1, nil
}
