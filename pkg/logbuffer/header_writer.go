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

// HeaderWriter stamps frame headers from the default header a driver stored
// in the log metadata.
type HeaderWriter struct {
	versionFlagsType int64
	sessionId        int32
	streamId         int32
}

// NewHeaderWriter reads the template fields out of defaultHeader.
func NewHeaderWriter(defaultHeader *buffer.AtomicBuffer) HeaderWriter {
	vft := uint32(defaultHeader.GetUint8(VersionOffset)) |
		uint32(defaultHeader.GetUint8(FlagsOffset))<<8 |
		uint32(defaultHeader.GetUint16(TypeOffset))<<16
	return HeaderWriter{
		versionFlagsType: int64(vft) << 32,
		sessionId:        defaultHeader.GetInt32(SessionIdOffset),
		streamId:         defaultHeader.GetInt32(StreamIdOffset),
	}
}

// SessionId is the session stamped into every frame.
func (w *HeaderWriter) SessionId() int32 { return w.sessionId }

// StreamId is the stream stamped into every frame.
func (w *HeaderWriter) StreamId() int32 { return w.streamId }

// Write reserves the frame at offset by storing -length together with the
// template version, flags and type, then fills in the identity fields. The
// frame becomes visible once FrameLengthOrdered stores the positive length.
func (w *HeaderWriter) Write(termBuffer *buffer.AtomicBuffer, offset, length, termId int32) {
	termBuffer.PutInt64Ordered(offset+FrameLengthOffset, w.versionFlagsType|int64(uint32(-length)))
	termBuffer.PutInt64(offset+TermOffsetOffset, int64(uint32(offset))|int64(w.sessionId)<<32)
	termBuffer.PutInt64(offset+StreamIdOffset, int64(uint32(w.streamId))|int64(termId)<<32)
}
