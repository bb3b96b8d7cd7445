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

// FragmentHandler receives each data frame payload. Returning an error stops
// the read after the frame has been counted as consumed.
type FragmentHandler func(buf *buffer.AtomicBuffer, offset, length int32, header *Header) error

// ReadOutcome records how far a read got. It is updated before each handler
// call so a caller can store its position even when the handler fails.
type ReadOutcome struct {
	FragmentsRead int
	Offset        int32
	start         int32
}

// BytesRead returns how many term bytes the read consumed, padding included.
func (o *ReadOutcome) BytesRead() int32 {
	return o.Offset - o.start
}

// Reset clears the outcome before a read.
func (o *ReadOutcome) Reset() {
	*o = ReadOutcome{}
}

// ReadTerm reads frames from termOffset until fragmentsLimit data frames have
// been delivered, an unwritten or in-progress frame is reached, or the term
// ends. Padding frames are skipped. A length that is neither zero, a
// plausible reservation nor a plausible frame returns ErrCorruptFrame.
func ReadTerm(termBuffer *buffer.AtomicBuffer, termOffset int32, handler FragmentHandler, fragmentsLimit int, header *Header, outcome *ReadOutcome) error {
	outcome.FragmentsRead = 0
	outcome.Offset = termOffset
	outcome.start = termOffset
	capacity := termBuffer.Capacity()
	header.Wrap(termBuffer)

	for outcome.FragmentsRead < fragmentsLimit && termOffset < capacity {
		frameLength := FrameLengthVolatile(termBuffer, termOffset)
		if frameLength == 0 {
			break
		}
		if frameLength < 0 {
			// a writer reserves its frame with the negated length
			if reserved := -frameLength; reserved < HeaderLength || reserved > capacity-termOffset {
				return fmt.Errorf("%w: reserved length %d at term offset %d", ErrCorruptFrame, frameLength, termOffset)
			}
			break
		}
		if frameLength < HeaderLength || frameLength > capacity-termOffset {
			return fmt.Errorf("%w: length %d at term offset %d", ErrCorruptFrame, frameLength, termOffset)
		}

		frameOffset := termOffset
		termOffset += buffer.Align(frameLength, FrameAlignment)
		outcome.Offset = termOffset

		if IsPaddingFrame(termBuffer, frameOffset) {
			continue
		}
		outcome.FragmentsRead++
		header.SetOffset(frameOffset)
		if err := handler(termBuffer, frameOffset+HeaderLength, frameLength-HeaderLength, header); err != nil {
			return err
		}
	}
	return nil
}
