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

package client

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

type SubscriptionSuite struct {
	suite.Suite
	sub  *Subscription
	pubs []*Publication
}

func (s *SubscriptionSuite) SetupTest() {
	s.sub = newSubscription(nil, testChannel, testStreamId, 77)
	s.pubs = nil
	for i, sessionId := range []int32{10, 11} {
		log, err := newMemoryLog(0, sessionId)
		s.Require().NoError(err)
		limit := newTestCounter()
		limit.SetOrdered(math.MaxInt64)
		s.pubs = append(s.pubs, newPublication(nil, log, limit, testChannel, int64(i), int64(i), testStreamId, sessionId, false))
		s.sub.addImage(newImage(log, newTestCounter(), int64(100+i), 77, sessionId, testStreamId, "local"))
	}
}

type message struct {
	session int32
	payload []byte
}

func (s *SubscriptionSuite) collect(into *[]message) logbuffer.FragmentHandler {
	return func(buf *buffer.AtomicBuffer, offset, length int32, h *logbuffer.Header) error {
		*into = append(*into, message{session: h.SessionId(), payload: append([]byte(nil), buf.BytesAt(offset, length)...)})
		return nil
	}
}

func (s *SubscriptionSuite) TestAccessors() {
	s.Equal(testChannel, s.sub.Channel())
	s.Equal(testStreamId, s.sub.StreamId())
	s.Equal(int64(77), s.sub.RegistrationId())
	s.Equal(2, s.sub.ImageCount())
	s.True(s.sub.IsConnected())
	s.NotNil(s.sub.ImageBySessionId(11))
	s.Nil(s.sub.ImageBySessionId(12))
}

func (s *SubscriptionSuite) TestPollReassemblesPerSession() {
	big := bytes.Repeat([]byte("0123456789"), 400)
	_, err := s.pubs[0].Offer(big, nil)
	s.Require().NoError(err)
	_, err = s.pubs[1].Offer([]byte("small"), nil)
	s.Require().NoError(err)

	var got []message
	total := 0
	for total < 4 {
		n, err := s.sub.Poll(s.collect(&got), 10)
		s.Require().NoError(err)
		s.Require().Positive(n)
		total += n
	}
	s.Require().Len(got, 2)
	for _, m := range got {
		switch m.session {
		case 10:
			s.Equal(big, m.payload)
		case 11:
			s.Equal([]byte("small"), m.payload)
		default:
			s.Failf("unexpected session", "%d", m.session)
		}
	}
}

func (s *SubscriptionSuite) TestPollFragmentsDeliversRawFrames() {
	_, err := s.pubs[0].Offer(make([]byte, 3000), nil)
	s.Require().NoError(err)
	var got []message
	n, err := s.sub.PollFragments(s.collect(&got), 10)
	s.Require().NoError(err)
	s.Equal(3, n)
	s.Len(got, 3)
}

func (s *SubscriptionSuite) TestRoundRobinStartsAtNextImage() {
	for _, p := range s.pubs {
		for i := 0; i < 3; i++ {
			_, err := p.Offer([]byte{byte(i)}, nil)
			s.Require().NoError(err)
		}
	}
	var first, second []message
	_, err := s.sub.PollFragments(s.collect(&first), 1)
	s.Require().NoError(err)
	_, err = s.sub.PollFragments(s.collect(&second), 1)
	s.Require().NoError(err)
	s.Require().Len(first, 1)
	s.Require().Len(second, 1)
	s.NotEqual(first[0].session, second[0].session)
}

func (s *SubscriptionSuite) TestRemoveImageFreesSession() {
	big := make([]byte, 3000)
	_, err := s.pubs[0].Offer(big, nil)
	s.Require().NoError(err)

	// deliver the BEGIN fragment only
	var got []message
	n, err := (*s.sub.images.Load())[0].Poll(s.sub.assembler.OnFragment, 1)
	s.Require().NoError(err)
	s.Equal(1, n)

	img := s.sub.removeImage(100)
	s.Require().NotNil(img)
	s.True(img.IsClosed())
	s.Equal(1, s.sub.ImageCount())
	s.Nil(s.sub.removeImage(100))

	_, err = s.sub.Poll(s.collect(&got), 10)
	s.Require().NoError(err)
	s.False(s.sub.assembler.FreeSessionBuffer(10))
	s.Empty(got)
}

func (s *SubscriptionSuite) TestCloseRevokesImages() {
	images := s.sub.Images()
	s.Require().NoError(s.sub.Close())
	s.True(s.sub.IsClosed())
	s.Zero(s.sub.ImageCount())
	s.False(s.sub.IsConnected())
	for _, img := range images {
		s.True(img.IsClosed())
	}
	_, err := s.sub.Poll(s.collect(new([]message)), 10)
	s.ErrorIs(err, ErrSubscriptionClosed)
	s.NoError(s.sub.Close())
}

func TestSubscriptionSuite(t *testing.T) {
	suite.Run(t, new(SubscriptionSuite))
}
