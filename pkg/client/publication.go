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
	"fmt"
	"sync/atomic"

	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/counters"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

// Publication offers messages to a stream. Offer and TryClaim are safe to
// call from any number of goroutines and never block.
type Publication struct {
	conductor      *conductor
	log            *logbuffer.LogBuffers
	meta           *buffer.AtomicBuffer
	limit          *counters.Position
	appenders      [logbuffer.PartitionCount]*logbuffer.TermAppender
	headerWriter   logbuffer.HeaderWriter
	metrics        *Metrics
	channel        string
	correlationId  int64
	registrationId int64
	streamId       int32
	sessionId      int32
	exclusive      bool

	initialTermId       int32
	termLength          int32
	positionBitsToShift int
	maxPayloadLength    int32
	maxMessageLength    int32
	maxPossiblePosition int64

	closed         atomic.Bool
	closedPosition atomic.Int64
}

func newPublication(c *conductor, log *logbuffer.LogBuffers, limit *counters.Position, channel string,
	correlationId, registrationId int64, streamId, sessionId int32, exclusive bool) *Publication {
	meta := log.Meta()
	termLength := log.TermLength()
	p := &Publication{
		conductor:           c,
		log:                 log,
		meta:                meta,
		limit:               limit,
		headerWriter:        logbuffer.NewHeaderWriter(logbuffer.DefaultFrameHeaderView(meta)),
		channel:             channel,
		correlationId:       correlationId,
		registrationId:      registrationId,
		streamId:            streamId,
		sessionId:           sessionId,
		exclusive:           exclusive,
		initialTermId:       logbuffer.InitialTermId(meta),
		termLength:          termLength,
		positionBitsToShift: logbuffer.PositionBitsToShift(termLength),
		maxPayloadLength:    logbuffer.MtuLength(meta) - logbuffer.HeaderLength,
		maxMessageLength:    logbuffer.ComputeMaxMessageLength(termLength),
		maxPossiblePosition: logbuffer.MaxPossiblePosition(termLength),
	}
	if c != nil {
		p.metrics = c.metrics
	}
	for i := range p.appenders {
		p.appenders[i] = logbuffer.NewTermAppender(log.Term(i), meta, i)
	}
	return p
}

// Channel is the channel the publication was added on.
func (p *Publication) Channel() string { return p.channel }

// StreamId is the stream the publication writes to.
func (p *Publication) StreamId() int32 { return p.streamId }

// SessionId identifies the log this publication appends to.
func (p *Publication) SessionId() int32 { return p.sessionId }

// RegistrationId is the driver's id for the shared log; exclusive
// publications have their own.
func (p *Publication) RegistrationId() int64 { return p.registrationId }

// CorrelationId is the id of the command that added this publication.
func (p *Publication) CorrelationId() int64 { return p.correlationId }

// IsExclusive reports whether the log belongs to this publication alone.
func (p *Publication) IsExclusive() bool { return p.exclusive }

// InitialTermId is the term id at stream position zero.
func (p *Publication) InitialTermId() int32 { return p.initialTermId }

// TermLength is the length of each of the three terms.
func (p *Publication) TermLength() int32 { return p.termLength }

// MaxPayloadLength is the largest payload that fits in a single frame.
func (p *Publication) MaxPayloadLength() int32 { return p.maxPayloadLength }

// MaxMessageLength is the largest payload Offer accepts.
func (p *Publication) MaxMessageLength() int32 { return p.maxMessageLength }

// IsClosed reports whether the publication was closed or revoked.
func (p *Publication) IsClosed() bool { return p.closed.Load() }

// IsConnected reports whether the driver has a subscriber for the stream.
func (p *Publication) IsConnected() bool {
	return !p.closed.Load() && logbuffer.IsConnected(p.meta)
}

// PositionLimit returns the current publication limit, read from the
// driver's counter.
func (p *Publication) PositionLimit() int64 {
	if p.closed.Load() {
		return 0
	}
	return p.limit.GetVolatile()
}

// Position returns the position after the last claimed frame.
func (p *Publication) Position() int64 {
	if p.closed.Load() {
		return p.closedPosition.Load()
	}
	return p.tailPosition()
}

func (p *Publication) tailPosition() int64 {
	termCount := logbuffer.ActiveTermCount(p.meta)
	rawTail := logbuffer.RawTailVolatile(p.meta, logbuffer.IndexByTermCount(int64(termCount)))
	termOffset := logbuffer.TermOffsetFromTail(rawTail, p.termLength)
	return logbuffer.ComputePosition(logbuffer.TermIdFromTail(rawTail), termOffset, p.positionBitsToShift, p.initialTermId)
}

// Offer appends payload as one message, fragmenting it when it exceeds
// MaxPayloadLength. It returns the new stream position, or one of
// ErrBackPressured, ErrAdminAction, ErrMaxPositionExceeded,
// ErrPublicationUnavailable or ErrMessageTooLong. supplier may be nil.
func (p *Publication) Offer(payload []byte, supplier logbuffer.ReservedValueSupplier) (int64, error) {
	if p.closed.Load() {
		return 0, ErrPublicationUnavailable
	}
	length := int32(len(payload))
	if len(payload) > int(p.maxMessageLength) {
		return 0, fmt.Errorf("%w: %d bytes, max message length %d", ErrMessageTooLong, len(payload), p.maxMessageLength)
	}

	var framedLength int32
	if length <= p.maxPayloadLength {
		framedLength = buffer.Align(length+logbuffer.HeaderLength, logbuffer.FrameAlignment)
	} else {
		framedLength = logbuffer.ComputeFragmentedFrameLength(length, p.maxPayloadLength)
	}

	termCount, app, termId, termOffset, position, err := p.activeTerm()
	if err != nil {
		return 0, err
	}
	if err := p.checkLimit(position, framedLength); err != nil {
		return 0, err
	}

	var resultingOffset int32
	if length <= p.maxPayloadLength {
		resultingOffset = app.AppendUnfragmentedMessage(&p.headerWriter, payload, supplier, termId)
	} else {
		resultingOffset = app.AppendFragmentedMessage(&p.headerWriter, payload, p.maxPayloadLength, supplier, termId)
	}
	return p.newPosition(termCount, termOffset, termId, position, resultingOffset)
}

// TryClaim reserves a frame for length payload bytes that the caller fills in
// through claim and then commits or aborts. Errors are as for Offer.
func (p *Publication) TryClaim(length int32, claim *logbuffer.BufferClaim) (int64, error) {
	if p.closed.Load() {
		return 0, ErrPublicationUnavailable
	}
	if length < 0 || length > p.maxPayloadLength {
		return 0, fmt.Errorf("%w: claim of %d bytes, max payload length %d", ErrMessageTooLong, length, p.maxPayloadLength)
	}
	termCount, app, termId, termOffset, position, err := p.activeTerm()
	if err != nil {
		return 0, err
	}
	if err := p.checkLimit(position, buffer.Align(length+logbuffer.HeaderLength, logbuffer.FrameAlignment)); err != nil {
		return 0, err
	}
	resultingOffset := app.Claim(&p.headerWriter, length, claim, termId)
	return p.newPosition(termCount, termOffset, termId, position, resultingOffset)
}

func (p *Publication) activeTerm() (termCount int32, app *logbuffer.TermAppender, termId int32, termOffset int64, position int64, err error) {
	termCount = logbuffer.ActiveTermCount(p.meta)
	app = p.appenders[logbuffer.IndexByTermCount(int64(termCount))]
	rawTail := app.RawTailVolatile()
	termId = logbuffer.TermIdFromTail(rawTail)
	termOffset = rawTail & 0xFFFF_FFFF

	// the tail of the next term is set before the active count moves
	if termCount != termId-p.initialTermId {
		p.countAdminAction()
		return 0, nil, 0, 0, 0, ErrAdminAction
	}
	position = logbuffer.ComputeTermBeginPosition(termId, p.positionBitsToShift, p.initialTermId) + termOffset
	return termCount, app, termId, termOffset, position, nil
}

func (p *Publication) checkLimit(position int64, framedLength int32) error {
	end := position + int64(framedLength)
	if end > p.maxPossiblePosition {
		return ErrMaxPositionExceeded
	}
	if end > p.limit.GetVolatile() {
		if p.metrics != nil {
			p.metrics.BackPressure.Inc()
		}
		return ErrBackPressured
	}
	return nil
}

func (p *Publication) newPosition(termCount int32, termOffset int64, termId int32, position int64, resultingOffset int32) (int64, error) {
	if resultingOffset > 0 {
		return position - termOffset + int64(resultingOffset), nil
	}
	if position+termOffset > p.maxPossiblePosition {
		return 0, ErrMaxPositionExceeded
	}
	logbuffer.RotateLog(p.meta, termCount, termId)
	p.countAdminAction()
	return 0, ErrAdminAction
}

func (p *Publication) countAdminAction() {
	if p.metrics != nil {
		p.metrics.AdminActions.Inc()
	}
}

// Close removes the publication from the driver. Further offers return
// ErrPublicationUnavailable. Closing twice is a no-op.
func (p *Publication) Close() error {
	if p.closed.Load() {
		return nil
	}
	if p.conductor == nil {
		p.revoke()
		return nil
	}
	return p.conductor.releasePublication(p)
}

// revoke marks the publication unusable without talking to the driver.
// The log mapping is released by the conductor after the linger period.
func (p *Publication) revoke() bool {
	if p.closed.Load() {
		return false
	}
	p.closedPosition.Store(p.tailPosition())
	return p.closed.CompareAndSwap(false, true)
}
