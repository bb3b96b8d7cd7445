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

package logbuffer

import (
	"github.com/srediag/shmbus/pkg/buffer"
)

// BufferClaim is a reserved frame a producer writes into in place. The frame
// stays invisible to readers until Commit, or turns into padding on Abort.
type BufferClaim struct {
	frame *buffer.AtomicBuffer
}

// Wrap points the claim at the frame of frameLength bytes at offset.
func (c *BufferClaim) Wrap(termBuffer *buffer.AtomicBuffer, offset, frameLength int32) {
	c.frame = termBuffer.Slice(offset, frameLength)
}

// Buffer returns the whole frame, header included.
func (c *BufferClaim) Buffer() *buffer.AtomicBuffer { return c.frame }

// Offset returns where the payload starts within Buffer.
func (c *BufferClaim) Offset() int32 { return HeaderLength }

// Length returns the payload length.
func (c *BufferClaim) Length() int32 { return c.frame.Capacity() - HeaderLength }

// Payload returns the writable payload bytes.
func (c *BufferClaim) Payload() []byte {
	return c.frame.BytesAt(HeaderLength, c.Length())
}

// Flags returns the frame flags.
func (c *BufferClaim) Flags() uint8 { return c.frame.GetUint8(FlagsOffset) }

// SetFlags overrides the frame flags.
func (c *BufferClaim) SetFlags(flags uint8) { c.frame.PutUint8(FlagsOffset, flags) }

// ReservedValue returns the reserved value field.
func (c *BufferClaim) ReservedValue() int64 { return c.frame.GetInt64(ReservedValueOffset) }

// SetReservedValue stores the reserved value field.
func (c *BufferClaim) SetReservedValue(v int64) { c.frame.PutInt64(ReservedValueOffset, v) }

// Commit publishes the frame to readers.
func (c *BufferClaim) Commit() {
	c.frame.PutInt32Ordered(FrameLengthOffset, c.frame.Capacity())
}

// Abort publishes the frame as padding so readers skip it.
func (c *BufferClaim) Abort() {
	c.frame.PutUint16(TypeOffset, TypePad)
	c.frame.PutInt32Ordered(FrameLengthOffset, c.frame.Capacity())
}
