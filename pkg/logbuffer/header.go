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

// Header is a read view over the frame a fragment handler is called for.
// A reader reuses one Header for every frame it delivers, so handlers must
// copy out anything they need after returning.
type Header struct {
	buf                 *buffer.AtomicBuffer
	offset              int32
	initialTermId       int32
	positionBitsToShift int
}

// NewHeader returns a header view for a log with the given identity.
func NewHeader(initialTermId int32, positionBitsToShift int) *Header {
	return &Header{
		initialTermId:       initialTermId,
		positionBitsToShift: positionBitsToShift,
	}
}

// Wrap points the header at a term buffer.
func (h *Header) Wrap(termBuffer *buffer.AtomicBuffer) {
	h.buf = termBuffer
}

// SetOffset points the header at the frame starting at offset.
func (h *Header) SetOffset(offset int32) {
	h.offset = offset
}

func (h *Header) Buffer() *buffer.AtomicBuffer { return h.buf }
func (h *Header) Offset() int32                { return h.offset }
func (h *Header) InitialTermId() int32         { return h.initialTermId }
func (h *Header) PositionBitsToShift() int     { return h.positionBitsToShift }

func (h *Header) FrameLength() int32   { return h.buf.GetInt32(h.offset + FrameLengthOffset) }
func (h *Header) Version() uint8       { return h.buf.GetUint8(h.offset + VersionOffset) }
func (h *Header) Flags() uint8         { return h.buf.GetUint8(h.offset + FlagsOffset) }
func (h *Header) Type() uint16         { return h.buf.GetUint16(h.offset + TypeOffset) }
func (h *Header) TermOffset() int32    { return h.buf.GetInt32(h.offset + TermOffsetOffset) }
func (h *Header) SessionId() int32     { return h.buf.GetInt32(h.offset + SessionIdOffset) }
func (h *Header) StreamId() int32      { return h.buf.GetInt32(h.offset + StreamIdOffset) }
func (h *Header) TermId() int32        { return h.buf.GetInt32(h.offset + TermIdOffset) }
func (h *Header) ReservedValue() int64 { return h.buf.GetInt64(h.offset + ReservedValueOffset) }

// Position returns the stream position just past this frame.
func (h *Header) Position() int64 {
	next := buffer.Align(h.TermOffset()+h.FrameLength(), FrameAlignment)
	return ComputePosition(h.TermId(), next, h.positionBitsToShift, h.initialTermId)
}
