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

package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type AtomicBufferSuite struct {
	suite.Suite
	buf *AtomicBuffer
}

func (s *AtomicBufferSuite) SetupTest() {
	s.buf = New(make([]byte, 256))
}

func (s *AtomicBufferSuite) TestScalarAccessors() {
	s.buf.PutUint8(0, 0xAB)
	s.buf.PutUint16(2, 0xBEEF)
	s.buf.PutInt32(4, -7)
	s.buf.PutInt64(8, -1<<40)
	s.buf.PutInt32Ordered(16, 42)
	s.buf.PutInt64Ordered(24, 1<<50)

	s.Equal(uint8(0xAB), s.buf.GetUint8(0))
	s.Equal(uint16(0xBEEF), s.buf.GetUint16(2))
	s.Equal(int32(-7), s.buf.GetInt32(4))
	s.Equal(int64(-1<<40), s.buf.GetInt64(8))
	s.Equal(int32(42), s.buf.GetInt32Volatile(16))
	s.Equal(int64(1<<50), s.buf.GetInt64Volatile(24))

	// little-endian layout shared with the driver
	s.Equal(byte(0xEF), s.buf.Bytes()[2])
	s.Equal(byte(0xBE), s.buf.Bytes()[3])
}

func (s *AtomicBufferSuite) TestCompareAndSet() {
	s.True(s.buf.CompareAndSetInt64(32, 0, 10))
	s.False(s.buf.CompareAndSetInt64(32, 0, 11))
	s.Equal(int64(10), s.buf.GetInt64Volatile(32))

	s.True(s.buf.CompareAndSetInt32(40, 0, 3))
	s.False(s.buf.CompareAndSetInt32(40, 0, 4))
	s.Equal(int32(3), s.buf.GetInt32(40))
}

func (s *AtomicBufferSuite) TestGetAndAddIsAtomic() {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 1000; k++ {
				s.buf.GetAndAddInt64(48, 1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int64(8000), s.buf.GetInt64Volatile(48))
	s.Equal(int64(8000), s.buf.GetAndAddInt64(48, 5))
	s.Equal(int64(8005), s.buf.GetInt64(48))
}

func (s *AtomicBufferSuite) TestBytesAndMemory() {
	s.buf.PutBytes(100, []byte("payload"))
	dst := make([]byte, 7)
	s.buf.GetBytes(100, dst)
	s.Equal("payload", string(dst))
	s.Equal("pay", string(s.buf.BytesAt(100, 3)))

	s.buf.SetMemory(100, 7, 0)
	s.Equal(make([]byte, 7), s.buf.BytesAt(100, 7))
	s.buf.SetMemory(100, 2, 0xFF)
	s.Equal([]byte{0xFF, 0xFF, 0}, s.buf.BytesAt(100, 3))

	view := s.buf.Slice(96, 16)
	s.Equal(int32(16), view.Capacity())
	view.PutInt32(0, 99)
	s.Equal(int32(99), s.buf.GetInt32(96))
}

func (s *AtomicBufferSuite) TestOutOfBoundsPanics() {
	s.Panics(func() { s.buf.GetInt64(252) })
	s.Panics(func() { s.buf.PutInt32(-1, 0) })
	s.Panics(func() { s.buf.BytesAt(200, 100) })
	s.Panics(func() { s.buf.Slice(250, 10) })
	s.NotPanics(func() { s.buf.GetInt64(248) })
}

func TestAtomicBufferSuite(t *testing.T) {
	suite.Run(t, new(AtomicBufferSuite))
}

func TestBitUtil(t *testing.T) {
	assert.Equal(t, int32(0), Align(0, 32))
	assert.Equal(t, int32(32), Align(1, 32))
	assert.Equal(t, int32(64), Align(33, 32))
	assert.Equal(t, int64(4096), AlignInt64(4000, 4096))
	assert.True(t, IsPowerOfTwo(65536))
	assert.False(t, IsPowerOfTwo(0))
	assert.False(t, IsPowerOfTwo(96))
	assert.Equal(t, 16, NumberOfTrailingZeros(65536))
}
