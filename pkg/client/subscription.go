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
	"sync"
	"sync/atomic"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/fragment"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

// Subscription receives the images of every publisher on a channel and
// stream. Poll and PollFragments must not be called concurrently.
type Subscription struct {
	conductor      *conductor
	channel        string
	streamId       int32
	registrationId int64
	metrics        *Metrics

	images     atomic.Pointer[[]*Image]
	imagesMu   sync.Mutex
	roundRobin int

	assembler *fragment.Assembler
	delegate  logbuffer.FragmentHandler

	pendingMu   sync.Mutex
	pendingFree []int32

	closed atomic.Bool
}

func newSubscription(c *conductor, channel string, streamId int32, registrationId int64, opts ...fragment.Option) *Subscription {
	s := &Subscription{
		conductor:      c,
		channel:        channel,
		streamId:       streamId,
		registrationId: registrationId,
	}
	if c != nil {
		s.metrics = c.metrics
	}
	empty := []*Image{}
	s.images.Store(&empty)
	s.assembler = fragment.New(s.deliver, opts...)
	return s
}

func (s *Subscription) Channel() string       { return s.channel }
func (s *Subscription) StreamId() int32       { return s.streamId }
func (s *Subscription) RegistrationId() int64 { return s.registrationId }
func (s *Subscription) IsClosed() bool        { return s.closed.Load() }

// Images returns a snapshot of the current images.
func (s *Subscription) Images() []*Image {
	return append([]*Image(nil), *s.images.Load()...)
}

// ForEachImage calls fn for each image in a snapshot of the current images.
func (s *Subscription) ForEachImage(fn func(api.ImageView)) {
	for _, img := range *s.images.Load() {
		fn(img)
	}
}

// ImageCount returns the number of current images.
func (s *Subscription) ImageCount() int {
	return len(*s.images.Load())
}

// ImageBySessionId returns the image of a publisher session.
func (s *Subscription) ImageBySessionId(sessionId int32) *Image {
	for _, img := range *s.images.Load() {
		if img.sessionId == sessionId {
			return img
		}
	}
	return nil
}

// IsConnected reports whether any image is open.
func (s *Subscription) IsConnected() bool {
	for _, img := range *s.images.Load() {
		if !img.IsClosed() {
			return true
		}
	}
	return false
}

func (s *Subscription) deliver(buf *buffer.AtomicBuffer, offset, length int32, header *logbuffer.Header) error {
	return s.delegate(buf, offset, length, header)
}

// Poll delivers whole messages, reassembling fragmented ones, from up to
// fragmentLimit fragments across all images.
func (s *Subscription) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) (int, error) {
	s.freePendingSessions()
	s.delegate = handler
	defer func() { s.delegate = nil }()
	return s.poll(s.assembler.OnFragment, fragmentLimit)
}

// PollFragments delivers raw fragments without reassembly.
func (s *Subscription) PollFragments(handler logbuffer.FragmentHandler, fragmentLimit int) (int, error) {
	return s.poll(handler, fragmentLimit)
}

func (s *Subscription) poll(handler logbuffer.FragmentHandler, fragmentLimit int) (int, error) {
	if s.closed.Load() {
		return 0, ErrSubscriptionClosed
	}
	images := *s.images.Load()
	n := len(images)
	if n == 0 {
		return 0, nil
	}
	start := s.roundRobin % n
	s.roundRobin = start + 1

	fragments := 0
	var err error
	for i := 0; i < n && fragments < fragmentLimit && err == nil; i++ {
		var read int
		read, err = images[(start+i)%n].Poll(handler, fragmentLimit-fragments)
		fragments += read
	}
	if s.metrics != nil && fragments > 0 {
		s.metrics.FragmentsReceived.Add(float64(fragments))
	}
	return fragments, err
}

func (s *Subscription) freePendingSessions() {
	s.pendingMu.Lock()
	pending := s.pendingFree
	s.pendingFree = nil
	s.pendingMu.Unlock()
	for _, id := range pending {
		if s.ImageBySessionId(id) == nil {
			s.assembler.FreeSessionBuffer(id)
		}
	}
}

func (s *Subscription) addImage(img *Image) {
	s.imagesMu.Lock()
	defer s.imagesMu.Unlock()
	old := *s.images.Load()
	next := make([]*Image, len(old), len(old)+1)
	copy(next, old)
	next = append(next, img)
	s.images.Store(&next)
}

func (s *Subscription) removeImage(correlationId int64) *Image {
	s.imagesMu.Lock()
	defer s.imagesMu.Unlock()
	old := *s.images.Load()
	for i, img := range old {
		if img.correlationId != correlationId {
			continue
		}
		next := make([]*Image, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		s.images.Store(&next)
		img.close()
		s.pendingMu.Lock()
		s.pendingFree = append(s.pendingFree, img.sessionId)
		s.pendingMu.Unlock()
		return img
	}
	return nil
}

func (s *Subscription) removeAllImages() []*Image {
	s.imagesMu.Lock()
	defer s.imagesMu.Unlock()
	old := *s.images.Load()
	empty := []*Image{}
	s.images.Store(&empty)
	for _, img := range old {
		img.close()
	}
	return old
}

// Close removes the subscription from the driver and closes its images. It
// must not run concurrently with Poll.
func (s *Subscription) Close() error {
	if s.closed.Load() {
		return nil
	}
	if s.conductor == nil {
		s.revoke()
		s.assembler.Close()
		return nil
	}
	return s.conductor.releaseSubscription(s)
}

// revoke closes the subscription and its images without talking to the
// driver. It returns false when already closed.
func (s *Subscription) revoke() ([]*Image, bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return nil, false
	}
	return s.removeAllImages(), true
}
