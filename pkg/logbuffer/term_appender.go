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

// Tripped is returned by the append operations when the term was exhausted
// or rotated away. The caller rotates the log and retries on the next term.
const Tripped int32 = -1

// ReservedValueSupplier computes the reserved value of a frame once its
// payload is in place.
type ReservedValueSupplier func(termBuffer *buffer.AtomicBuffer, termOffset, frameLength int32) int64

// TermAppender appends frames to one partition of a log buffer. Any number
// of producers may share a partition; the tail CAS hands each one an
// exclusive region.
type TermAppender struct {
	termBuffer     *buffer.AtomicBuffer
	meta           *buffer.AtomicBuffer
	partitionIndex int
}

// NewTermAppender returns an appender for partitionIndex.
func NewTermAppender(termBuffer, meta *buffer.AtomicBuffer, partitionIndex int) *TermAppender {
	return &TermAppender{
		termBuffer:     termBuffer,
		meta:           meta,
		partitionIndex: partitionIndex,
	}
}

// TermBuffer returns the partition this appender writes to.
func (a *TermAppender) TermBuffer() *buffer.AtomicBuffer { return a.termBuffer }

// RawTailVolatile reads the partition tail with acquire semantics.
func (a *TermAppender) RawTailVolatile() int64 {
	return RawTailVolatile(a.meta, a.partitionIndex)
}

// claim reserves alignedLength bytes of termId. It returns the term offset of
// the reservation, or false when the term cannot take it. The producer whose
// reservation crosses the term end fills the remainder with padding.
func (a *TermAppender) claim(header *HeaderWriter, termId, alignedLength int32) (int32, bool) {
	termLength := int64(a.termBuffer.Capacity())
	for {
		rawTail := a.RawTailVolatile()
		if TermIdFromTail(rawTail) != termId {
			return 0, false
		}
		termOffset := rawTail & 0xFFFF_FFFF
		if termOffset >= termLength {
			return 0, false
		}
		if !CasRawTail(a.meta, a.partitionIndex, rawTail, rawTail+int64(alignedLength)) {
			continue
		}
		if termOffset+int64(alignedLength) > termLength {
			a.writePadding(header, termId, int32(termOffset), int32(termLength-termOffset))
			return 0, false
		}
		return int32(termOffset), true
	}
}

func (a *TermAppender) writePadding(header *HeaderWriter, termId, offset, length int32) {
	header.Write(a.termBuffer, offset, length, termId)
	a.termBuffer.PutUint16(offset+TypeOffset, TypePad)
	FrameLengthOrdered(a.termBuffer, offset, length)
}

// Claim reserves a frame for length payload bytes and wraps it in claim.
// It returns the term offset just past the frame, or Tripped.
func (a *TermAppender) Claim(header *HeaderWriter, length int32, claim *BufferClaim, termId int32) int32 {
	frameLength := length + HeaderLength
	alignedLength := buffer.Align(frameLength, FrameAlignment)
	offset, ok := a.claim(header, termId, alignedLength)
	if !ok {
		return Tripped
	}
	header.Write(a.termBuffer, offset, frameLength, termId)
	claim.Wrap(a.termBuffer, offset, frameLength)
	return offset + alignedLength
}

// AppendUnfragmentedMessage writes src as a single frame. It returns the term
// offset just past the frame, or Tripped.
func (a *TermAppender) AppendUnfragmentedMessage(header *HeaderWriter, src []byte, supplier ReservedValueSupplier, termId int32) int32 {
	frameLength := int32(len(src)) + HeaderLength
	alignedLength := buffer.Align(frameLength, FrameAlignment)
	offset, ok := a.claim(header, termId, alignedLength)
	if !ok {
		return Tripped
	}
	header.Write(a.termBuffer, offset, frameLength, termId)
	a.termBuffer.PutBytes(offset+HeaderLength, src)
	if supplier != nil {
		a.termBuffer.PutInt64(offset+ReservedValueOffset, supplier(a.termBuffer, offset, frameLength))
	}
	FrameLengthOrdered(a.termBuffer, offset, frameLength)
	return offset + alignedLength
}

// AppendFragmentedMessage splits src into frames of at most maxPayloadLength
// bytes flagged BEGIN, none, END. The whole span is reserved at once so the
// fragments sit back to back; each is committed on its own. It returns the
// term offset just past the last fragment, or Tripped.
func (a *TermAppender) AppendFragmentedMessage(header *HeaderWriter, src []byte, maxPayloadLength int32, supplier ReservedValueSupplier, termId int32) int32 {
	length := int32(len(src))
	requiredLength := ComputeFragmentedFrameLength(length, maxPayloadLength)
	offset, ok := a.claim(header, termId, requiredLength)
	if !ok {
		return Tripped
	}

	flags := FlagBegin
	remaining := length
	frameOffset := offset
	for remaining > 0 {
		bytesToWrite := min(remaining, maxPayloadLength)
		frameLength := bytesToWrite + HeaderLength
		alignedLength := buffer.Align(frameLength, FrameAlignment)
		srcOffset := length - remaining

		header.Write(a.termBuffer, frameOffset, frameLength, termId)
		a.termBuffer.PutBytes(frameOffset+HeaderLength, src[srcOffset:srcOffset+bytesToWrite])
		if remaining <= maxPayloadLength {
			flags |= FlagEnd
		}
		a.termBuffer.PutUint8(frameOffset+FlagsOffset, flags)
		if supplier != nil {
			a.termBuffer.PutInt64(frameOffset+ReservedValueOffset, supplier(a.termBuffer, frameOffset, frameLength))
		}
		FrameLengthOrdered(a.termBuffer, frameOffset, frameLength)

		flags = 0
		frameOffset += alignedLength
		remaining -= bytesToWrite
	}
	return offset + requiredLength
}
