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

package fragment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

const (
	streamId      int32 = 10
	sessionId     int32 = 200
	initialTermId int32 = -1234
	activeTermId        = initialTermId + 5
	mtuLength     int32 = 128
	msgLength           = mtuLength - logbuffer.HeaderLength
)

type delivery struct {
	payload []byte
	flags   uint8
	pos     int64
	session int32
}

type AssemblerSuite struct {
	suite.Suite
	term      *buffer.AtomicBuffer
	header    *logbuffer.Header
	delivered []delivery
	delegate  logbuffer.FragmentHandler
}

func (s *AssemblerSuite) SetupTest() {
	s.term = buffer.New(make([]byte, logbuffer.TermMinLength))
	s.header = logbuffer.NewHeader(initialTermId, logbuffer.PositionBitsToShift(logbuffer.TermMinLength))
	s.header.Wrap(s.term)
	s.delivered = nil
	s.delegate = func(buf *buffer.AtomicBuffer, offset, length int32, h *logbuffer.Header) error {
		s.delivered = append(s.delivered, delivery{
			payload: append([]byte(nil), buf.BytesAt(offset, length)...),
			flags:   h.Flags(),
			pos:     h.Position(),
			session: h.SessionId(),
		})
		return nil
	}
}

// fillFrame writes a committed frame whose payload counts up from first.
func (s *AssemblerSuite) fillFrame(session int32, flags uint8, offset, length int32, first byte) {
	s.term.PutInt32(offset+logbuffer.FrameLengthOffset, logbuffer.HeaderLength+length)
	s.term.PutUint8(offset+logbuffer.VersionOffset, logbuffer.CurrentVersion)
	s.term.PutUint8(offset+logbuffer.FlagsOffset, flags)
	s.term.PutUint16(offset+logbuffer.TypeOffset, logbuffer.TypeData)
	s.term.PutInt32(offset+logbuffer.TermOffsetOffset, offset)
	s.term.PutInt32(offset+logbuffer.SessionIdOffset, session)
	s.term.PutInt32(offset+logbuffer.StreamIdOffset, streamId)
	s.term.PutInt32(offset+logbuffer.TermIdOffset, activeTermId)
	v := first
	for i := int32(0); i < length; i++ {
		s.term.PutUint8(offset+logbuffer.HeaderLength+i, v)
		v++
	}
}

func (s *AssemblerSuite) feed(a *Assembler, session int32, flags uint8, index int32) error {
	offset := index * mtuLength
	s.fillFrame(session, flags, offset, msgLength, byte((index*msgLength)%256))
	s.header.SetOffset(offset)
	return a.OnFragment(s.term, offset+logbuffer.HeaderLength, msgLength, s.header)
}

func (s *AssemblerSuite) verifyPayload(payload []byte) {
	for i, b := range payload {
		s.Require().Equal(byte(i%256), b, "byte %d", i)
	}
}

func (s *AssemblerSuite) TestPassesThroughUnfragmented() {
	a := New(s.delegate)
	s.fillFrame(sessionId, logbuffer.FlagUnfragmented, 0, 158, 0)
	s.header.SetOffset(0)
	s.Require().NoError(a.OnFragment(s.term, logbuffer.HeaderLength, 158, s.header))

	s.Require().Len(s.delivered, 1)
	d := s.delivered[0]
	s.Len(d.payload, 158)
	s.verifyPayload(d.payload)
	s.Equal(logbuffer.FlagUnfragmented, d.flags)
	expected := logbuffer.ComputePosition(activeTermId,
		buffer.Align(logbuffer.HeaderLength+158, logbuffer.FrameAlignment),
		s.header.PositionBitsToShift(), initialTermId)
	s.Equal(expected, d.pos)
}

func (s *AssemblerSuite) TestReassemblesTwoFragments() {
	a := New(s.delegate)
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	s.Empty(s.delivered)
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 1))

	s.Require().Len(s.delivered, 1)
	d := s.delivered[0]
	s.Len(d.payload, int(2*msgLength))
	s.verifyPayload(d.payload)
	s.Equal(logbuffer.FlagEnd, d.flags)
	s.Equal(int64(2*mtuLength)+5*int64(logbuffer.TermMinLength), d.pos)
}

func (s *AssemblerSuite) TestReassemblesThreeFragments() {
	a := New(s.delegate)
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	s.Require().NoError(s.feed(a, sessionId, 0, 1))
	s.Empty(s.delivered)
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 2))

	s.Require().Len(s.delivered, 1)
	s.Len(s.delivered[0].payload, int(3*msgLength))
	s.verifyPayload(s.delivered[0].payload)

	// the session buffer is reset and reused for the next message
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 1))
	s.Require().Len(s.delivered, 2)
	s.Len(s.delivered[1].payload, int(2*msgLength))
}

func (s *AssemblerSuite) TestIgnoresFragmentsWithoutBegin() {
	a := New(s.delegate)
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 1))
	s.Require().NoError(s.feed(a, sessionId, 0, 1))
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 2))
	s.Empty(s.delivered)
}

func (s *AssemblerSuite) TestInterleavedSessions() {
	a := New(s.delegate)
	s.Require().NoError(s.feed(a, 1, logbuffer.FlagBegin, 0))
	s.Require().NoError(s.feed(a, 2, logbuffer.FlagBegin, 0))
	s.Require().NoError(s.feed(a, 1, logbuffer.FlagEnd, 1))
	s.Require().NoError(s.feed(a, 2, 0, 1))
	s.Require().NoError(s.feed(a, 2, logbuffer.FlagEnd, 2))

	s.Require().Len(s.delivered, 2)
	s.Equal(int32(1), s.delivered[0].session)
	s.Len(s.delivered[0].payload, int(2*msgLength))
	s.Equal(int32(2), s.delivered[1].session)
	s.Len(s.delivered[1].payload, int(3*msgLength))
}

func (s *AssemblerSuite) TestDropAbandonedByDefault() {
	var hooked []int32
	a := New(s.delegate, WithAbandonedHook(func(id int32) { hooked = append(hooked, id) }))
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	s.Require().NoError(s.feed(a, sessionId, 0, 1))
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 1))

	s.Require().Len(s.delivered, 1)
	s.Len(s.delivered[0].payload, int(2*msgLength))
	s.verifyPayload(s.delivered[0].payload)
	s.Equal(int64(1), a.AbandonedCount())
	s.Equal([]int32{sessionId}, hooked)
}

func (s *AssemblerSuite) TestFailOnAbandoned() {
	a := New(s.delegate, WithAbandonPolicy(FailOnAbandoned))
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	err := s.feed(a, sessionId, logbuffer.FlagBegin, 0)
	s.True(errors.Is(err, ErrAbandonedMessage))
	s.Equal(int64(1), a.AbandonedCount())

	// the new message was kept
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 1))
	s.Require().Len(s.delivered, 1)
	s.Len(s.delivered[0].payload, int(2*msgLength))
}

func (s *AssemblerSuite) TestDelegateErrorResetsSession() {
	boom := errors.New("boom")
	calls := 0
	a := New(func(*buffer.AtomicBuffer, int32, int32, *logbuffer.Header) error {
		calls++
		return boom
	})
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	s.True(errors.Is(s.feed(a, sessionId, logbuffer.FlagEnd, 1), boom))

	// the failed message is not redelivered by a stray END
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 1))
	s.Equal(1, calls)
	s.Equal(int64(0), a.AbandonedCount())
}

func (s *AssemblerSuite) TestFreeSessionBuffer() {
	a := New(s.delegate, WithInitialBufferLength(64))
	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagBegin, 0))
	s.True(a.FreeSessionBuffer(sessionId))
	s.False(a.FreeSessionBuffer(sessionId))

	s.Require().NoError(s.feed(a, sessionId, logbuffer.FlagEnd, 1))
	s.Empty(s.delivered)
	a.Close()
	s.Equal("drop", DropAbandoned.String())
	s.Equal("fail", FailOnAbandoned.String())
}

func TestAssemblerSuite(t *testing.T) {
	suite.Run(t, new(AssemblerSuite))
}
