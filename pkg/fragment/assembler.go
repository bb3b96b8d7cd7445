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

// Package fragment reassembles messages that a publication split across
// several frames, so handlers downstream only ever see whole messages.
package fragment

import (
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

// DefaultBufferLength is the initial capacity of a session buffer.
const DefaultBufferLength = 4096

// ErrAbandonedMessage reports a BEGIN fragment that arrived while an earlier
// message of the same session was still incomplete.
var ErrAbandonedMessage = errors.New("fragmented message abandoned")

// AbandonPolicy decides what an incomplete message superseded by a new BEGIN
// fragment means.
type AbandonPolicy int

const (
	// DropAbandoned discards the partial message, logs a warning and goes on.
	DropAbandoned AbandonPolicy = iota
	// FailOnAbandoned discards the partial message, starts the new one and
	// returns ErrAbandonedMessage, stopping the current poll.
	FailOnAbandoned
)

func (p AbandonPolicy) String() string {
	switch p {
	case DropAbandoned:
		return "drop"
	case FailOnAbandoned:
		return "fail"
	default:
		return fmt.Sprintf("AbandonPolicy(%d)", int(p))
	}
}

type sessionBuffer struct {
	bb     *bytebufferpool.ByteBuffer
	active bool
}

// Assembler is a logbuffer.FragmentHandler wrapping a delegate. Unfragmented
// frames pass straight through; fragments are copied into a per-session
// buffer and delivered once the END fragment arrives, with the header of that
// last fragment. An Assembler belongs to one poller and is not safe for
// concurrent use.
type Assembler struct {
	delegate      logbuffer.FragmentHandler
	sessions      map[int32]*sessionBuffer
	initialLength int
	policy        AbandonPolicy
	onAbandoned   func(sessionId int32)
	abandoned     int64
	view          buffer.AtomicBuffer
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithInitialBufferLength sets the starting capacity of session buffers.
func WithInitialBufferLength(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.initialLength = n
		}
	}
}

// WithAbandonPolicy sets the abandoned message policy.
func WithAbandonPolicy(p AbandonPolicy) Option {
	return func(a *Assembler) { a.policy = p }
}

// WithAbandonedHook registers fn to be told of every abandoned message.
func WithAbandonedHook(fn func(sessionId int32)) Option {
	return func(a *Assembler) { a.onAbandoned = fn }
}

// New returns an Assembler forwarding whole messages to delegate.
func New(delegate logbuffer.FragmentHandler, opts ...Option) *Assembler {
	a := &Assembler{
		delegate:      delegate,
		sessions:      make(map[int32]*sessionBuffer),
		initialLength: DefaultBufferLength,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the assembler as a fragment handler.
func (a *Assembler) Handler() logbuffer.FragmentHandler {
	return a.OnFragment
}

// AbandonedCount returns how many incomplete messages were discarded.
func (a *Assembler) AbandonedCount() int64 {
	return a.abandoned
}

// OnFragment processes one frame.
func (a *Assembler) OnFragment(buf *buffer.AtomicBuffer, offset, length int32, header *logbuffer.Header) error {
	flags := header.Flags()
	if flags&logbuffer.FlagUnfragmented == logbuffer.FlagUnfragmented {
		return a.delegate(buf, offset, length, header)
	}

	sessionId := header.SessionId()
	if flags&logbuffer.FlagBegin == logbuffer.FlagBegin {
		s := a.session(sessionId)
		abandoned := s.active
		s.bb.Reset()
		_, _ = s.bb.Write(buf.BytesAt(offset, length))
		s.active = true
		if abandoned {
			return a.abandon(sessionId, header)
		}
		return nil
	}

	s, ok := a.sessions[sessionId]
	if !ok || !s.active {
		logger.Internal.Debugf("session %d: dropping fragment at term %d offset %d without BEGIN", sessionId, header.TermId(), header.TermOffset())
		return nil
	}
	_, _ = s.bb.Write(buf.BytesAt(offset, length))
	if flags&logbuffer.FlagEnd != logbuffer.FlagEnd {
		return nil
	}

	defer func() {
		s.bb.Reset()
		s.active = false
	}()
	a.view.Wrap(s.bb.B)
	return a.delegate(&a.view, 0, int32(len(s.bb.B)), header)
}

func (a *Assembler) session(sessionId int32) *sessionBuffer {
	s, ok := a.sessions[sessionId]
	if !ok {
		bb := bytebufferpool.Get()
		if cap(bb.B) < a.initialLength {
			bb.B = make([]byte, 0, a.initialLength)
		}
		s = &sessionBuffer{bb: bb}
		a.sessions[sessionId] = s
	}
	return s
}

func (a *Assembler) abandon(sessionId int32, header *logbuffer.Header) error {
	a.abandoned++
	if a.onAbandoned != nil {
		a.onAbandoned(sessionId)
	}
	if a.policy == FailOnAbandoned {
		return fmt.Errorf("%w: session %d stream %d at position %d", ErrAbandonedMessage, sessionId, header.StreamId(), header.Position())
	}
	logger.Internal.Warnf("session %d stream %d: incomplete message abandoned by new BEGIN at position %d",
		sessionId, header.StreamId(), header.Position())
	return nil
}

// FreeSessionBuffer drops the buffer of a session that went away.
func (a *Assembler) FreeSessionBuffer(sessionId int32) bool {
	s, ok := a.sessions[sessionId]
	if !ok {
		return false
	}
	delete(a.sessions, sessionId)
	bytebufferpool.Put(s.bb)
	return true
}

// Close releases every session buffer.
func (a *Assembler) Close() {
	for id := range a.sessions {
		a.FreeSessionBuffer(id)
	}
}
