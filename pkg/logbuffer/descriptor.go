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
	"fmt"

	"github.com/srediag/shmbus/pkg/buffer"
)

// PartitionCount is the number of terms in a log buffer.
const PartitionCount = 3

const (
	TermMinLength int32 = 64 * 1024
	TermMaxLength int32 = 1024 * 1024 * 1024
	PageMinSize   int32 = 4 * 1024
	PageMaxSize   int32 = 1024 * 1024 * 1024

	// MaxMessageLength caps a single message regardless of term length.
	MaxMessageLength int32 = 16 * 1024 * 1024
)

// Metadata section layout. The section follows the three terms.
const (
	TermTailCountersOffset            int32 = 0
	LogActiveTermCountOffset          int32 = 24
	LogTermStatusOffset               int32 = 32
	LogEndOfStreamPositionOffset      int32 = 128
	LogIsConnectedOffset              int32 = 136
	LogCorrelationIdOffset            int32 = 256
	LogInitialTermIdOffset            int32 = 264
	LogDefaultFrameHeaderLengthOffset int32 = 268
	LogMtuLengthOffset                int32 = 272
	LogTermLengthOffset               int32 = 276
	LogPageSizeOffset                 int32 = 280
	LogDefaultFrameHeaderOffset       int32 = 320
	LogDefaultFrameHeaderMaxLength    int32 = 128
	LogMetaDataLength                 int32 = 4096
)

// Term status values.
const (
	TermClean         int32 = 0
	TermNeedsCleaning int32 = 1
)

// CheckTermLength fails with ErrConfiguration unless termLength is a power of
// two within [TermMinLength, TermMaxLength].
func CheckTermLength(termLength int32) error {
	if termLength < TermMinLength || termLength > TermMaxLength {
		return fmt.Errorf("%w: term length %d outside [%d, %d]", ErrConfiguration, termLength, TermMinLength, TermMaxLength)
	}
	if !buffer.IsPowerOfTwo(int64(termLength)) {
		return fmt.Errorf("%w: term length %d is not a power of two", ErrConfiguration, termLength)
	}
	return nil
}

// CheckPageSize fails with ErrConfiguration unless pageSize is a power of
// two within [PageMinSize, PageMaxSize].
func CheckPageSize(pageSize int32) error {
	if pageSize < PageMinSize || pageSize > PageMaxSize {
		return fmt.Errorf("%w: page size %d outside [%d, %d]", ErrConfiguration, pageSize, PageMinSize, PageMaxSize)
	}
	if !buffer.IsPowerOfTwo(int64(pageSize)) {
		return fmt.Errorf("%w: page size %d is not a power of two", ErrConfiguration, pageSize)
	}
	return nil
}

// CheckMtuLength fails with ErrConfiguration unless mtu holds at least one
// header, is frame aligned and fits in a term.
func CheckMtuLength(mtu, termLength int32) error {
	if mtu <= HeaderLength || mtu%FrameAlignment != 0 || mtu > termLength {
		return fmt.Errorf("%w: mtu length %d", ErrConfiguration, mtu)
	}
	return nil
}

// ComputeLogLength returns the file length of a log with the given term length.
func ComputeLogLength(termLength int32) int64 {
	return int64(termLength)*PartitionCount + int64(LogMetaDataLength)
}

// ComputeMaxMessageLength returns the largest message a log of termLength accepts.
func ComputeMaxMessageLength(termLength int32) int32 {
	return min(termLength/8, MaxMessageLength)
}

// ComputeFragmentedFrameLength returns the space length bytes occupy in a
// term once split into frames carrying at most maxPayloadLength each.
func ComputeFragmentedFrameLength(length, maxPayloadLength int32) int32 {
	numMaxPayloads := length / maxPayloadLength
	remaining := length % maxPayloadLength
	var last int32
	if remaining > 0 {
		last = buffer.Align(remaining+HeaderLength, FrameAlignment)
	}
	return numMaxPayloads*(maxPayloadLength+HeaderLength) + last
}

// Position codec.

// PositionBitsToShift returns log2(termLength).
func PositionBitsToShift(termLength int32) int {
	return buffer.NumberOfTrailingZeros(termLength)
}

// EncodePosition packs a term count and offset into a position.
func EncodePosition(termCount int64, termOffset int32, positionBitsToShift int) int64 {
	return termCount<<positionBitsToShift + int64(termOffset)
}

// DecodePosition splits a position into its term count and term offset.
func DecodePosition(position int64, termLength int32) (termCount int64, termOffset int32) {
	bits := PositionBitsToShift(termLength)
	return position >> bits, int32(position & int64(termLength-1))
}

// ComputeTermId returns the term id termCount terms after initialTermId,
// wrapping on overflow.
func ComputeTermId(initialTermId int32, termCount int64) int32 {
	return initialTermId + int32(termCount)
}

// ComputeTermCount returns the number of terms between initialTermId and termId.
func ComputeTermCount(termId, initialTermId int32) int64 {
	return int64(termId - initialTermId)
}

// IndexOfTerm returns the partition holding termId.
func IndexOfTerm(initialTermId, termId int32) int {
	return IndexByTermCount(ComputeTermCount(termId, initialTermId))
}

// IndexByTermCount returns the partition for a term count.
func IndexByTermCount(termCount int64) int {
	idx := termCount % PartitionCount
	if idx < 0 {
		idx += PartitionCount
	}
	return int(idx)
}

// IndexByPosition returns the partition a position falls in.
func IndexByPosition(position int64, positionBitsToShift int) int {
	return IndexByTermCount(position >> positionBitsToShift)
}

// ComputePosition returns the position of termOffset within activeTermId.
func ComputePosition(activeTermId, termOffset int32, positionBitsToShift int, initialTermId int32) int64 {
	return EncodePosition(ComputeTermCount(activeTermId, initialTermId), termOffset, positionBitsToShift)
}

// ComputeTermBeginPosition returns the position at which activeTermId starts.
func ComputeTermBeginPosition(activeTermId int32, positionBitsToShift int, initialTermId int32) int64 {
	return ComputeTermCount(activeTermId, initialTermId) << positionBitsToShift
}

// ComputeTermIdFromPosition returns the term id a position falls in.
func ComputeTermIdFromPosition(position int64, positionBitsToShift int, initialTermId int32) int32 {
	return ComputeTermId(initialTermId, position>>positionBitsToShift)
}

// MaxPossiblePosition is the position past which a log cannot be written.
func MaxPossiblePosition(termLength int32) int64 {
	return int64(termLength) << 31
}

// Raw tail packing: termId << 32 | termOffset.

// PackTail packs a term id and offset into a raw tail.
func PackTail(termId, termOffset int32) int64 {
	return int64(termId)<<32 | int64(uint32(termOffset))
}

// TermIdFromTail returns the term id of a raw tail.
func TermIdFromTail(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// TermOffsetFromTail returns the offset of a raw tail capped at termLength.
func TermOffsetFromTail(rawTail int64, termLength int32) int32 {
	return int32(min(rawTail&0xFFFF_FFFF, int64(termLength)))
}

// Metadata accessors.

func tailCounterOffset(partitionIndex int) int32 {
	return TermTailCountersOffset + int32(partitionIndex)*8
}

// RawTailVolatile reads the tail of a partition with acquire semantics.
func RawTailVolatile(meta *buffer.AtomicBuffer, partitionIndex int) int64 {
	return meta.GetInt64Volatile(tailCounterOffset(partitionIndex))
}

// RawTail reads the tail of a partition.
func RawTail(meta *buffer.AtomicBuffer, partitionIndex int) int64 {
	return meta.GetInt64(tailCounterOffset(partitionIndex))
}

// SetRawTailOrdered stores the tail of a partition with release semantics.
func SetRawTailOrdered(meta *buffer.AtomicBuffer, partitionIndex int, rawTail int64) {
	meta.PutInt64Ordered(tailCounterOffset(partitionIndex), rawTail)
}

// CasRawTail swaps the tail of a partition when it still equals expected.
func CasRawTail(meta *buffer.AtomicBuffer, partitionIndex int, expected, update int64) bool {
	return meta.CompareAndSetInt64(tailCounterOffset(partitionIndex), expected, update)
}

// InitializeTailWithTermId sets a partition tail to offset 0 of termId.
func InitializeTailWithTermId(meta *buffer.AtomicBuffer, partitionIndex int, termId int32) {
	meta.PutInt64(tailCounterOffset(partitionIndex), PackTail(termId, 0))
}

// ActiveTermCount reads the active term count with acquire semantics.
func ActiveTermCount(meta *buffer.AtomicBuffer) int32 {
	return meta.GetInt32Volatile(LogActiveTermCountOffset)
}

// SetActiveTermCountOrdered stores the active term count with release semantics.
func SetActiveTermCountOrdered(meta *buffer.AtomicBuffer, termCount int32) {
	meta.PutInt32Ordered(LogActiveTermCountOffset, termCount)
}

// CasActiveTermCount swaps the active term count when it still equals expected.
func CasActiveTermCount(meta *buffer.AtomicBuffer, expected, update int32) bool {
	return meta.CompareAndSetInt32(LogActiveTermCountOffset, expected, update)
}

// TermStatus reads the clean status of a partition.
func TermStatus(meta *buffer.AtomicBuffer, partitionIndex int) int32 {
	return meta.GetInt32Volatile(LogTermStatusOffset + int32(partitionIndex)*4)
}

// SetTermStatus stores the clean status of a partition.
func SetTermStatus(meta *buffer.AtomicBuffer, partitionIndex int, status int32) {
	meta.PutInt32Ordered(LogTermStatusOffset+int32(partitionIndex)*4, status)
}

func InitialTermId(meta *buffer.AtomicBuffer) int32 { return meta.GetInt32(LogInitialTermIdOffset) }
func MtuLength(meta *buffer.AtomicBuffer) int32     { return meta.GetInt32(LogMtuLengthOffset) }
func TermLength(meta *buffer.AtomicBuffer) int32    { return meta.GetInt32(LogTermLengthOffset) }
func PageSize(meta *buffer.AtomicBuffer) int32      { return meta.GetInt32(LogPageSizeOffset) }
func CorrelationId(meta *buffer.AtomicBuffer) int64 { return meta.GetInt64(LogCorrelationIdOffset) }

func SetInitialTermId(meta *buffer.AtomicBuffer, v int32) { meta.PutInt32(LogInitialTermIdOffset, v) }
func SetMtuLength(meta *buffer.AtomicBuffer, v int32)     { meta.PutInt32(LogMtuLengthOffset, v) }
func SetTermLength(meta *buffer.AtomicBuffer, v int32)    { meta.PutInt32(LogTermLengthOffset, v) }
func SetPageSize(meta *buffer.AtomicBuffer, v int32)      { meta.PutInt32(LogPageSizeOffset, v) }
func SetCorrelationId(meta *buffer.AtomicBuffer, v int64) { meta.PutInt64(LogCorrelationIdOffset, v) }

// IsConnected reports whether the driver has flagged a subscriber connected.
func IsConnected(meta *buffer.AtomicBuffer) bool {
	return meta.GetInt32Volatile(LogIsConnectedOffset) == 1
}

// SetIsConnected stores the connected flag.
func SetIsConnected(meta *buffer.AtomicBuffer, connected bool) {
	var v int32
	if connected {
		v = 1
	}
	meta.PutInt32Ordered(LogIsConnectedOffset, v)
}

// EndOfStreamPosition returns the position at which the stream ended.
func EndOfStreamPosition(meta *buffer.AtomicBuffer) int64 {
	return meta.GetInt64Volatile(LogEndOfStreamPositionOffset)
}

// SetEndOfStreamPosition stores the end of stream position.
func SetEndOfStreamPosition(meta *buffer.AtomicBuffer, position int64) {
	meta.PutInt64Ordered(LogEndOfStreamPositionOffset, position)
}

// DefaultFrameHeaderView returns a view over the header template in meta.
func DefaultFrameHeaderView(meta *buffer.AtomicBuffer) *buffer.AtomicBuffer {
	length := meta.GetInt32(LogDefaultFrameHeaderLengthOffset)
	return meta.Slice(LogDefaultFrameHeaderOffset, length)
}

// StoreDefaultFrameHeader copies a header template into meta.
func StoreDefaultFrameHeader(meta *buffer.AtomicBuffer, hdr []byte) error {
	if int32(len(hdr)) != HeaderLength {
		return fmt.Errorf("%w: default frame header length %d", ErrConfiguration, len(hdr))
	}
	meta.PutInt32(LogDefaultFrameHeaderLengthOffset, HeaderLength)
	meta.PutBytes(LogDefaultFrameHeaderOffset, hdr)
	return nil
}

// RotateLog moves the active term from currentTermCount to the next one and
// initializes the next partition tail for currentTermId+1. The exhausted
// partition is flagged for cleaning. Safe to call from every producer that
// observed the exhaustion; only the first CAS on the term count wins.
func RotateLog(meta *buffer.AtomicBuffer, currentTermCount int32, currentTermId int32) bool {
	nextTermId := currentTermId + 1
	nextTermCount := currentTermCount + 1
	nextIndex := IndexByTermCount(int64(nextTermCount))
	expectedTermId := nextTermId - PartitionCount

	for {
		rawTail := RawTailVolatile(meta, nextIndex)
		if expectedTermId != TermIdFromTail(rawTail) {
			break
		}
		if CasRawTail(meta, nextIndex, rawTail, PackTail(nextTermId, 0)) {
			break
		}
	}

	if CasActiveTermCount(meta, currentTermCount, nextTermCount) {
		SetTermStatus(meta, IndexByTermCount(int64(currentTermCount)), TermNeedsCleaning)
		return true
	}
	return false
}

// CleanTerm zeroes a partition and marks it clean.
func CleanTerm(termBuffer, meta *buffer.AtomicBuffer, partitionIndex int) {
	termBuffer.SetMemory(0, termBuffer.Capacity(), 0)
	SetTermStatus(meta, partitionIndex, TermClean)
}

// Initialize writes the metadata a driver publishes for a fresh log.
func Initialize(meta *buffer.AtomicBuffer, params LogParams) error {
	if err := CheckTermLength(params.TermLength); err != nil {
		return err
	}
	if err := CheckPageSize(params.PageSize); err != nil {
		return err
	}
	if err := CheckMtuLength(params.MtuLength, params.TermLength); err != nil {
		return err
	}
	SetInitialTermId(meta, params.InitialTermId)
	SetTermLength(meta, params.TermLength)
	SetPageSize(meta, params.PageSize)
	SetMtuLength(meta, params.MtuLength)
	SetCorrelationId(meta, params.CorrelationId)
	if err := StoreDefaultFrameHeader(meta, DefaultFrameHeader(params.SessionId, params.StreamId)); err != nil {
		return err
	}
	InitializeTailWithTermId(meta, 0, params.InitialTermId)
	for i := 1; i < PartitionCount; i++ {
		InitializeTailWithTermId(meta, i, params.InitialTermId+int32(i)-PartitionCount)
	}
	SetEndOfStreamPosition(meta, 1<<63-1)
	SetActiveTermCountOrdered(meta, 0)
	return nil
}

// LogParams describes a log buffer a driver creates.
type LogParams struct {
	TermLength    int32
	PageSize      int32
	MtuLength     int32
	InitialTermId int32
	SessionId     int32
	StreamId      int32
	CorrelationId int64
}
