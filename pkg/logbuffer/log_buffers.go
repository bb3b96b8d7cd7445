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
	"context"
	"fmt"

	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/shm"
)

// LogBuffers is a mapped log: three terms followed by the metadata section.
type LogBuffers struct {
	region     *shm.Region
	terms      [PartitionCount]*buffer.AtomicBuffer
	meta       *buffer.AtomicBuffer
	termLength int32
}

// Open maps the log file at path and validates its layout.
func Open(ctx context.Context, path string) (*LogBuffers, error) {
	region, err := shm.Open(ctx, shm.OpenOptions{Path: path})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLogBuffer, err)
	}
	lb, err := Wrap(region.Bytes())
	if err != nil {
		if cerr := region.Close(); cerr != nil {
			logger.Internal.Warnf("unmap %s: %v", path, cerr)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	lb.region = region
	return lb, nil
}

// Create makes a new log file at path and writes its metadata. It is the
// driver side of Open.
func Create(ctx context.Context, path string, params LogParams) (*LogBuffers, error) {
	if err := CheckTermLength(params.TermLength); err != nil {
		return nil, err
	}
	region, err := shm.Open(ctx, shm.OpenOptions{
		Path:   path,
		Size:   int(ComputeLogLength(params.TermLength)),
		Create: true,
	})
	if err != nil {
		return nil, err
	}
	mem := region.Bytes()
	meta := buffer.New(mem[len(mem)-int(LogMetaDataLength):])
	if err := Initialize(meta, params); err != nil {
		_ = region.Close()
		return nil, err
	}
	lb, err := Wrap(mem)
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	lb.region = region
	return lb, nil
}

// Wrap validates mem as a log buffer without taking ownership of it.
func Wrap(mem []byte) (*LogBuffers, error) {
	minLength := int(ComputeLogLength(TermMinLength))
	if len(mem) < minLength {
		return nil, fmt.Errorf("%w: length %d below minimum %d", ErrInvalidLogBuffer, len(mem), minLength)
	}
	meta := buffer.New(mem[len(mem)-int(LogMetaDataLength):])

	termLength := TermLength(meta)
	if err := CheckTermLength(termLength); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLogBuffer, err)
	}
	if err := CheckPageSize(PageSize(meta)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLogBuffer, err)
	}
	if err := CheckMtuLength(MtuLength(meta), termLength); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLogBuffer, err)
	}
	if expected := ComputeLogLength(termLength); int64(len(mem)) != expected {
		return nil, fmt.Errorf("%w: length %d, term length %d needs %d", ErrInvalidLogBuffer, len(mem), termLength, expected)
	}
	if hl := meta.GetInt32(LogDefaultFrameHeaderLengthOffset); hl != HeaderLength {
		return nil, fmt.Errorf("%w: default frame header length %d", ErrInvalidLogBuffer, hl)
	}

	lb := &LogBuffers{meta: meta, termLength: termLength}
	for i := range lb.terms {
		off := i * int(termLength)
		lb.terms[i] = buffer.New(mem[off : off+int(termLength)])
	}
	return lb, nil
}

// Term returns partition i.
func (l *LogBuffers) Term(i int) *buffer.AtomicBuffer { return l.terms[i] }

// Meta returns the metadata section.
func (l *LogBuffers) Meta() *buffer.AtomicBuffer { return l.meta }

// TermLength returns the length of each term.
func (l *LogBuffers) TermLength() int32 { return l.termLength }

// PositionBitsToShift returns log2 of the term length.
func (l *LogBuffers) PositionBitsToShift() int { return PositionBitsToShift(l.termLength) }

// InitialTermId returns the term id position 0 falls in.
func (l *LogBuffers) InitialTermId() int32 { return InitialTermId(l.meta) }

// RawTailVolatile reads the tail of partition i with acquire semantics.
func (l *LogBuffers) RawTailVolatile(i int) int64 { return RawTailVolatile(l.meta, i) }

// Path returns the mapped file path, empty for wrapped memory.
func (l *LogBuffers) Path() string {
	if l.region == nil {
		return ""
	}
	return l.region.Path()
}

// Poll reads the term position falls in, starting at position. The number
// of bytes consumed is outcome.BytesRead() and is valid even on error.
func (l *LogBuffers) Poll(position int64, handler FragmentHandler, fragmentsLimit int, header *Header, outcome *ReadOutcome) error {
	bits := l.PositionBitsToShift()
	termOffset := int32(position & int64(l.termLength-1))
	return ReadTerm(l.terms[IndexByPosition(position, bits)], termOffset, handler, fragmentsLimit, header, outcome)
}

// Close unmaps the log. Wrapped memory is left alone.
func (l *LogBuffers) Close() error {
	if l.region == nil {
		return nil
	}
	return l.region.Close()
}
