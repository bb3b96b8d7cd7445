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
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmbus/pkg/buffer"
)

const (
	testSessionId int32 = 77
	testStreamId  int32 = 1001
	testMtu       int32 = 1408
)

type LogBufferSuite struct {
	suite.Suite
	log    *LogBuffers
	writer HeaderWriter
	header *Header
}

func newTestLog(initialTermId int32) (*LogBuffers, error) {
	mem := make([]byte, ComputeLogLength(TermMinLength))
	meta := buffer.New(mem[len(mem)-int(LogMetaDataLength):])
	err := Initialize(meta, LogParams{
		TermLength:    TermMinLength,
		PageSize:      PageMinSize,
		MtuLength:     testMtu,
		InitialTermId: initialTermId,
		SessionId:     testSessionId,
		StreamId:      testStreamId,
		CorrelationId: 9,
	})
	if err != nil {
		return nil, err
	}
	return Wrap(mem)
}

func (s *LogBufferSuite) SetupTest() {
	log, err := newTestLog(3)
	s.Require().NoError(err)
	s.log = log
	s.writer = NewHeaderWriter(DefaultFrameHeaderView(log.Meta()))
	s.header = NewHeader(log.InitialTermId(), log.PositionBitsToShift())
}

func (s *LogBufferSuite) appender(index int) *TermAppender {
	return NewTermAppender(s.log.Term(index), s.log.Meta(), index)
}

func (s *LogBufferSuite) TestMetadataInitialized() {
	meta := s.log.Meta()
	s.Equal(int32(3), InitialTermId(meta))
	s.Equal(TermMinLength, TermLength(meta))
	s.Equal(testMtu, MtuLength(meta))
	s.Equal(int64(9), CorrelationId(meta))
	s.Equal(int32(0), ActiveTermCount(meta))
	s.Equal(PackTail(3, 0), s.log.RawTailVolatile(0))
	s.Equal(testSessionId, s.writer.SessionId())
	s.Equal(testStreamId, s.writer.StreamId())
}

func (s *LogBufferSuite) TestAppendThenPollRoundTrip() {
	app := s.appender(0)
	var payloads [][]byte
	var expectedBytes int32
	for i := 0; i < 20; i++ {
		p := bytes.Repeat([]byte{byte(i)}, 10+i*7)
		payloads = append(payloads, p)
		next := app.AppendUnfragmentedMessage(&s.writer, p, func(*buffer.AtomicBuffer, int32, int32) int64 { return int64(i) }, 3)
		s.Require().NotEqual(Tripped, next)
		expectedBytes += buffer.Align(int32(len(p))+HeaderLength, FrameAlignment)
		s.Equal(expectedBytes, next)
	}

	var got [][]byte
	var reserved []int64
	var outcome ReadOutcome
	err := s.log.Poll(0, func(buf *buffer.AtomicBuffer, offset, length int32, h *Header) error {
		got = append(got, bytes.Clone(buf.BytesAt(offset, length)))
		reserved = append(reserved, h.ReservedValue())
		s.Equal(FlagUnfragmented, h.Flags())
		s.Equal(testSessionId, h.SessionId())
		s.Equal(testStreamId, h.StreamId())
		s.Equal(int32(3), h.TermId())
		return nil
	}, 100, s.header, &outcome)
	s.Require().NoError(err)
	s.Equal(payloads, got)
	s.Equal(20, outcome.FragmentsRead)
	s.Equal(expectedBytes, outcome.BytesRead())
	s.Equal(int64(19), reserved[19])

	// resuming from the end yields nothing
	err = s.log.Poll(int64(expectedBytes), func(*buffer.AtomicBuffer, int32, int32, *Header) error {
		s.Fail("unexpected fragment")
		return nil
	}, 100, s.header, &outcome)
	s.NoError(err)
	s.Equal(int32(0), outcome.BytesRead())
}

func (s *LogBufferSuite) TestHeaderPosition() {
	app := s.appender(0)
	app.AppendUnfragmentedMessage(&s.writer, make([]byte, 40), nil, 3)
	var pos int64
	var outcome ReadOutcome
	s.Require().NoError(ReadTerm(s.log.Term(0), 0, func(_ *buffer.AtomicBuffer, _, _ int32, h *Header) error {
		pos = h.Position()
		return nil
	}, 1, s.header, &outcome))
	s.Equal(int64(96), pos)
}

func (s *LogBufferSuite) TestClaimCommitAndAbort() {
	app := s.appender(0)
	var claim BufferClaim
	next := app.Claim(&s.writer, 16, &claim, 3)
	s.Require().Equal(int32(64), next)
	s.Equal(int32(16), claim.Length())

	// invisible before commit
	var outcome ReadOutcome
	s.Require().NoError(ReadTerm(s.log.Term(0), 0, func(*buffer.AtomicBuffer, int32, int32, *Header) error { return nil }, 10, s.header, &outcome))
	s.Equal(0, outcome.FragmentsRead)

	copy(claim.Payload(), "0123456789abcdef")
	claim.SetReservedValue(42)
	claim.Commit()

	var aborted BufferClaim
	s.Require().NotEqual(Tripped, app.Claim(&s.writer, 100, &aborted, 3))
	aborted.Abort()

	var got []string
	s.Require().NoError(ReadTerm(s.log.Term(0), 0, func(buf *buffer.AtomicBuffer, offset, length int32, h *Header) error {
		got = append(got, string(buf.BytesAt(offset, length)))
		s.Equal(int64(42), h.ReservedValue())
		return nil
	}, 10, s.header, &outcome))
	s.Equal([]string{"0123456789abcdef"}, got)
	s.Equal(int32(64+160), outcome.Offset)
}

func (s *LogBufferSuite) TestFragmentedAppendIsContiguous() {
	app := s.appender(0)
	maxPayload := testMtu - HeaderLength
	msg := make([]byte, 3*maxPayload+100)
	for i := range msg {
		msg[i] = byte(i % 251)
	}
	next := app.AppendFragmentedMessage(&s.writer, msg, maxPayload, nil, 3)
	s.Require().Equal(ComputeFragmentedFrameLength(int32(len(msg)), maxPayload), next)

	var flags []uint8
	var joined []byte
	var outcome ReadOutcome
	s.Require().NoError(ReadTerm(s.log.Term(0), 0, func(buf *buffer.AtomicBuffer, offset, length int32, h *Header) error {
		flags = append(flags, h.Flags())
		joined = append(joined, buf.BytesAt(offset, length)...)
		return nil
	}, 10, s.header, &outcome))
	s.Equal([]uint8{FlagBegin, 0, 0, FlagEnd}, flags)
	s.Equal(msg, joined)
	s.Equal(next, outcome.Offset)
}

func (s *LogBufferSuite) TestRotationPadsExactlyOnce() {
	app := s.appender(0)
	payload := make([]byte, 1024)
	aligned := buffer.Align(int32(len(payload))+HeaderLength, FrameAlignment)
	written := 0
	var result int32
	for {
		result = app.AppendUnfragmentedMessage(&s.writer, payload, nil, 3)
		if result == Tripped {
			break
		}
		written++
	}
	s.Equal(int(TermMinLength/aligned), written)

	// a second producer finding the term exhausted does not pad again
	s.Equal(Tripped, app.AppendUnfragmentedMessage(&s.writer, payload, nil, 3))

	paddingOffset := int32(written) * aligned
	s.True(IsPaddingFrame(s.log.Term(0), paddingOffset))
	s.Equal(TermMinLength-paddingOffset, FrameLengthVolatile(s.log.Term(0), paddingOffset))

	var outcome ReadOutcome
	s.Require().NoError(ReadTerm(s.log.Term(0), 0, func(*buffer.AtomicBuffer, int32, int32, *Header) error { return nil }, 1000, s.header, &outcome))
	s.Equal(written, outcome.FragmentsRead)
	s.Equal(TermMinLength, outcome.Offset)

	s.True(RotateLog(s.log.Meta(), 0, 3))
	s.False(RotateLog(s.log.Meta(), 0, 3))
	s.Equal(int32(1), ActiveTermCount(s.log.Meta()))
	s.Equal(TermNeedsCleaning, TermStatus(s.log.Meta(), 0))

	nextIndex := IndexOfTerm(s.log.InitialTermId(), 4)
	s.Equal(int(4%3), nextIndex)
	s.Equal(PackTail(4, 0), s.log.RawTailVolatile(nextIndex))

	next := s.appender(nextIndex).AppendUnfragmentedMessage(&s.writer, payload, nil, 4)
	s.Equal(aligned, next)

	// the frame after the boundary sits at the start of term 4
	var pos int64
	err := s.log.Poll(int64(TermMinLength), func(_ *buffer.AtomicBuffer, _, _ int32, h *Header) error {
		s.Equal(int32(4), h.TermId())
		s.Equal(int32(0), h.TermOffset())
		pos = h.Position()
		return nil
	}, 10, s.header, &outcome)
	s.Require().NoError(err)
	s.Equal(int64(TermMinLength)+int64(aligned), pos)

	CleanTerm(s.log.Term(0), s.log.Meta(), 0)
	s.Equal(TermClean, TermStatus(s.log.Meta(), 0))
	s.Equal(int32(0), FrameLengthVolatile(s.log.Term(0), 0))
}

func (s *LogBufferSuite) TestConcurrentProducersShareTerm() {
	app := s.appender(0)
	workers := runtime.GOMAXPROCS(0) + 1
	var appended atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(w)}, 200)
			for app.AppendUnfragmentedMessage(&s.writer, payload, nil, 3) != Tripped {
				appended.Add(1)
			}
		}(w)
	}
	wg.Wait()

	var outcome ReadOutcome
	s.Require().NoError(ReadTerm(s.log.Term(0), 0, func(buf *buffer.AtomicBuffer, offset, length int32, _ *Header) error {
		s.Equal(int32(200), length)
		first := buf.GetUint8(offset)
		for i := int32(1); i < length; i++ {
			if buf.GetUint8(offset+i) != first {
				s.FailNow("interleaved payload")
			}
		}
		return nil
	}, 1<<20, s.header, &outcome))
	s.Equal(int(appended.Load()), outcome.FragmentsRead)
	s.Equal(TermMinLength, outcome.Offset)
}

func (s *LogBufferSuite) TestReadStopsAtInProgressFrame() {
	term := s.log.Term(0)
	s.writer.Write(term, 0, 64, 3)
	s.Less(FrameLengthVolatile(term, 0), int32(0))

	var outcome ReadOutcome
	s.Require().NoError(ReadTerm(term, 0, func(*buffer.AtomicBuffer, int32, int32, *Header) error {
		s.Fail("in-progress frame delivered")
		return nil
	}, 10, s.header, &outcome))
	s.Equal(0, outcome.FragmentsRead)
	s.Equal(int32(0), outcome.Offset)
}

func (s *LogBufferSuite) TestCorruptFrameLength() {
	term := s.log.Term(0)
	term.PutInt32Ordered(0, 5)
	var outcome ReadOutcome
	err := ReadTerm(term, 0, func(*buffer.AtomicBuffer, int32, int32, *Header) error { return nil }, 10, s.header, &outcome)
	s.True(errors.Is(err, ErrCorruptFrame))

	term.PutInt32Ordered(0, TermMinLength+64)
	err = ReadTerm(term, 0, func(*buffer.AtomicBuffer, int32, int32, *Header) error { return nil }, 10, s.header, &outcome)
	s.True(errors.Is(err, ErrCorruptFrame))

	for _, length := range []int32{-3, -(HeaderLength - 1), -(TermMinLength + 4096), math.MinInt32} {
		term.PutInt32Ordered(0, length)
		err = ReadTerm(term, 0, func(*buffer.AtomicBuffer, int32, int32, *Header) error {
			s.Fail("corrupt frame delivered")
			return nil
		}, 10, s.header, &outcome)
		s.True(errors.Is(err, ErrCorruptFrame), "length %d", length)
		s.Equal(0, outcome.FragmentsRead)
		s.Equal(int32(0), outcome.Offset)
	}

	// a reservation that reaches exactly to the end of the term is in progress
	term.PutInt32Ordered(TermMinLength-64, -64)
	s.Require().NoError(ReadTerm(term, TermMinLength-64, func(*buffer.AtomicBuffer, int32, int32, *Header) error {
		s.Fail("in-progress frame delivered")
		return nil
	}, 10, s.header, &outcome))
	s.Equal(int32(TermMinLength-64), outcome.Offset)
}

func (s *LogBufferSuite) TestHandlerErrorKeepsProgress() {
	app := s.appender(0)
	for i := 0; i < 3; i++ {
		app.AppendUnfragmentedMessage(&s.writer, []byte("abc"), nil, 3)
	}
	stop := errors.New("stop")
	calls := 0
	var outcome ReadOutcome
	err := ReadTerm(s.log.Term(0), 0, func(*buffer.AtomicBuffer, int32, int32, *Header) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	}, 10, s.header, &outcome)
	s.True(errors.Is(err, stop))
	s.Equal(2, outcome.FragmentsRead)
	s.Equal(int32(128), outcome.Offset)
}

func (s *LogBufferSuite) TestWrapRejectsInvalidLayouts() {
	_, err := Wrap(make([]byte, 1024))
	s.True(errors.Is(err, ErrInvalidLogBuffer))

	// zeroed metadata carries no valid term length
	_, err = Wrap(make([]byte, ComputeLogLength(TermMinLength)))
	s.True(errors.Is(err, ErrInvalidLogBuffer))
	s.True(errors.Is(err, ErrConfiguration))

	mem := make([]byte, ComputeLogLength(TermMinLength)+int64(PageMinSize))
	meta := buffer.New(mem[len(mem)-int(LogMetaDataLength):])
	s.Require().NoError(Initialize(meta, LogParams{
		TermLength: TermMinLength, PageSize: PageMinSize, MtuLength: testMtu,
	}))
	_, err = Wrap(mem)
	s.True(errors.Is(err, ErrInvalidLogBuffer))
}

func (s *LogBufferSuite) TestCreateThenOpen() {
	if runtime.GOOS != "linux" {
		s.T().Skip("shared mappings are only implemented on linux")
	}
	path := filepath.Join(s.T().TempDir(), "1.logbuffer")
	created, err := Create(context.Background(), path, LogParams{
		TermLength: TermMinLength, PageSize: PageMinSize, MtuLength: testMtu,
		InitialTermId: 5, SessionId: testSessionId, StreamId: testStreamId,
	})
	s.Require().NoError(err)
	defer func() { s.NoError(created.Close()) }()

	writer := NewHeaderWriter(DefaultFrameHeaderView(created.Meta()))
	NewTermAppender(created.Term(0), created.Meta(), 0).AppendUnfragmentedMessage(&writer, []byte("shared"), nil, 5)

	opened, err := Open(context.Background(), path)
	s.Require().NoError(err)
	defer func() { s.NoError(opened.Close()) }()
	s.Equal(path, opened.Path())
	s.Equal(int32(5), opened.InitialTermId())

	var got string
	var outcome ReadOutcome
	s.Require().NoError(opened.Poll(0, func(buf *buffer.AtomicBuffer, offset, length int32, _ *Header) error {
		got = string(buf.BytesAt(offset, length))
		return nil
	}, 1, NewHeader(5, opened.PositionBitsToShift()), &outcome))
	s.Equal("shared", got)

	_, err = Open(context.Background(), filepath.Join(s.T().TempDir(), "missing"))
	s.True(errors.Is(err, ErrInvalidLogBuffer))
}

func TestLogBufferSuite(t *testing.T) {
	suite.Run(t, new(LogBufferSuite))
}
