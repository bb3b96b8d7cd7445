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

// Data frame header layout, little-endian:
//
//	0  frame length   int32 (negative while the frame is being written)
//	4  version        uint8
//	5  flags          uint8
//	6  type           uint16
//	8  term offset    int32
//	12 session id     int32
//	16 stream id      int32
//	20 term id        int32
//	24 reserved value int64
const (
	FrameLengthOffset   int32 = 0
	VersionOffset       int32 = 4
	FlagsOffset         int32 = 5
	TypeOffset          int32 = 6
	TermOffsetOffset    int32 = 8
	SessionIdOffset     int32 = 12
	StreamIdOffset      int32 = 16
	TermIdOffset        int32 = 20
	ReservedValueOffset int32 = 24

	// HeaderLength is the length of a data frame header.
	HeaderLength int32 = 32
	// FrameAlignment is the alignment of every frame in a term.
	FrameAlignment int32 = 32

	CurrentVersion uint8 = 0
)

// Frame flags.
const (
	FlagBegin        uint8 = 0x80
	FlagEnd          uint8 = 0x40
	FlagEOS          uint8 = 0x20
	FlagUnfragmented       = FlagBegin | FlagEnd
)

// Frame types.
const (
	TypePad  uint16 = 0x00
	TypeData uint16 = 0x01
)

// FrameLengthVolatile reads the length of the frame at offset with acquire semantics.
func FrameLengthVolatile(termBuffer *buffer.AtomicBuffer, offset int32) int32 {
	return termBuffer.GetInt32Volatile(offset + FrameLengthOffset)
}

// FrameLengthOrdered publishes the length of the frame at offset with release semantics.
func FrameLengthOrdered(termBuffer *buffer.AtomicBuffer, offset, length int32) {
	termBuffer.PutInt32Ordered(offset+FrameLengthOffset, length)
}

// FrameType returns the type of the frame at offset.
func FrameType(termBuffer *buffer.AtomicBuffer, offset int32) uint16 {
	return termBuffer.GetUint16(offset + TypeOffset)
}

// FrameFlags returns the flags of the frame at offset.
func FrameFlags(termBuffer *buffer.AtomicBuffer, offset int32) uint8 {
	return termBuffer.GetUint8(offset + FlagsOffset)
}

// IsPaddingFrame reports whether the frame at offset is padding.
func IsPaddingFrame(termBuffer *buffer.AtomicBuffer, offset int32) bool {
	return FrameType(termBuffer, offset) == TypePad
}

// DefaultFrameHeader builds the header template a driver stores in the log
// metadata for a session: unfragmented data frame for sessionId/streamId.
func DefaultFrameHeader(sessionId, streamId int32) []byte {
	hdr := buffer.New(make([]byte, HeaderLength))
	hdr.PutUint8(VersionOffset, CurrentVersion)
	hdr.PutUint8(FlagsOffset, FlagUnfragmented)
	hdr.PutUint16(TypeOffset, TypeData)
	hdr.PutInt32(SessionIdOffset, sessionId)
	hdr.PutInt32(StreamIdOffset, streamId)
	return hdr.Bytes()
}
