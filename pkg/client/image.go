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
	"sync/atomic"

	"github.com/srediag/shmbus/pkg/counters"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

// Image is one publisher session as seen by a subscription. Only one
// goroutine may poll an image at a time.
type Image struct {
	log                *logbuffer.LogBuffers
	subscriberPosition *counters.Position
	header             *logbuffer.Header
	outcome            logbuffer.ReadOutcome

	correlationId              int64
	subscriptionRegistrationId int64
	sessionId                  int32
	streamId                   int32
	sourceIdentity             string
	initialTermId              int32
	termLength                 int32

	closed        atomic.Bool
	finalPosition atomic.Int64
}

func newImage(log *logbuffer.LogBuffers, subscriberPosition *counters.Position, correlationId, subscriptionRegistrationId int64,
	sessionId, streamId int32, sourceIdentity string) *Image {
	return &Image{
		log:                        log,
		subscriberPosition:         subscriberPosition,
		header:                     logbuffer.NewHeader(log.InitialTermId(), log.PositionBitsToShift()),
		correlationId:              correlationId,
		subscriptionRegistrationId: subscriptionRegistrationId,
		sessionId:                  sessionId,
		streamId:                   streamId,
		sourceIdentity:             sourceIdentity,
		initialTermId:              log.InitialTermId(),
		termLength:                 log.TermLength(),
	}
}

// CorrelationId is the driver's id for this image.
func (i *Image) CorrelationId() int64 { return i.correlationId }

// SubscriptionRegistrationId is the subscription the image belongs to.
func (i *Image) SubscriptionRegistrationId() int64 { return i.subscriptionRegistrationId }

// SessionId identifies the publisher session.
func (i *Image) SessionId() int32 { return i.sessionId }

// StreamId is the stream of the image.
func (i *Image) StreamId() int32 { return i.streamId }

// SourceIdentity names where the publisher session comes from.
func (i *Image) SourceIdentity() string { return i.sourceIdentity }

// InitialTermId is the term id at stream position zero.
func (i *Image) InitialTermId() int32 { return i.initialTermId }

// TermLength is the length of each of the three terms.
func (i *Image) TermLength() int32 { return i.termLength }

// IsClosed reports whether the image became unavailable.
func (i *Image) IsClosed() bool { return i.closed.Load() }

// Position returns how far this subscriber has consumed the stream.
func (i *Image) Position() int64 {
	if i.closed.Load() {
		return i.finalPosition.Load()
	}
	return i.subscriberPosition.Get()
}

// IsEndOfStream reports whether the publisher ended the stream and everything
// up to its end was consumed.
func (i *Image) IsEndOfStream() bool {
	if i.closed.Load() {
		return false
	}
	return i.subscriberPosition.Get() >= logbuffer.EndOfStreamPosition(i.log.Meta())
}

// Poll delivers up to fragmentLimit fragments from the subscriber position.
// The position counter is advanced past everything consumed even when
// handler returns an error or panics. A closed image yields (0, nil).
func (i *Image) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) (int, error) {
	if i.closed.Load() {
		return 0, nil
	}
	position := i.subscriberPosition.Get()
	outcome := &i.outcome
	outcome.Reset()
	defer func() {
		if n := outcome.BytesRead(); n > 0 {
			i.subscriberPosition.SetOrdered(position + int64(n))
		}
	}()
	err := i.log.Poll(position, handler, fragmentLimit, i.header, outcome)
	return outcome.FragmentsRead, err
}

// close stops polling. The log itself is released by the conductor after the
// linger period.
func (i *Image) close() bool {
	if i.closed.Load() {
		return false
	}
	i.finalPosition.Store(i.subscriberPosition.Get())
	return i.closed.CompareAndSwap(false, true)
}
