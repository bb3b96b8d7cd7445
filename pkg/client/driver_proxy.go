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
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/command"
	"github.com/srediag/shmbus/pkg/ringbuffer"
)

const (
	commandRetryInterval = time.Millisecond
	commandMaxRetries    = 20
)

type encoder interface {
	AppendTo(dst []byte) []byte
}

// driverProxy writes commands to the to-driver ring.
type driverProxy struct {
	ring     *ringbuffer.ManyToOne
	clientId int64
}

func newDriverProxy(ring *ringbuffer.ManyToOne) *driverProxy {
	return &driverProxy{ring: ring, clientId: ring.NextCorrelationId()}
}

func (p *driverProxy) nextCorrelationId() int64 {
	return p.ring.NextCorrelationId()
}

// consumerHeartbeat returns when the driver last read the ring.
func (p *driverProxy) consumerHeartbeat() time.Time {
	return time.UnixMilli(p.ring.ConsumerHeartbeatTime())
}

// write encodes msg and puts it on the ring, retrying briefly while the
// driver catches up.
func (p *driverProxy) write(msgTypeId int32, msg encoder) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.B = msg.AppendTo(bb.B[:0])

	op := func() error {
		err := p.ring.Write(msgTypeId, bb.B)
		if err == nil || errors.Is(err, ringbuffer.ErrInsufficientCapacity) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(commandRetryInterval), commandMaxRetries)); err != nil {
		return err
	}
	if logger.Protocol.Enabled(logger.LevelTrace) {
		logger.Protocol.Tracef("client %d -> %s (%d bytes)", p.clientId, command.TypeName(msgTypeId), bb.Len())
	}
	return nil
}

func (p *driverProxy) correlated(correlationId int64) command.CorrelatedMessage {
	return command.CorrelatedMessage{ClientId: p.clientId, CorrelationId: correlationId}
}

func (p *driverProxy) addPublication(channel string, streamId int32, exclusive bool) (int64, error) {
	correlationId := p.nextCorrelationId()
	msgTypeId := command.AddPublication
	if exclusive {
		msgTypeId = command.AddExclusivePublication
	}
	msg := command.PublicationMessage{
		CorrelatedMessage: p.correlated(correlationId),
		StreamId:          streamId,
		Channel:           channel,
	}
	return correlationId, p.write(msgTypeId, &msg)
}

func (p *driverProxy) addSubscription(channel string, streamId int32) (int64, error) {
	correlationId := p.nextCorrelationId()
	msg := command.SubscriptionMessage{
		CorrelatedMessage:         p.correlated(correlationId),
		RegistrationCorrelationId: -1,
		StreamId:                  streamId,
		Channel:                   channel,
	}
	return correlationId, p.write(command.AddSubscription, &msg)
}

func (p *driverProxy) remove(msgTypeId int32, registrationId int64) (int64, error) {
	correlationId := p.nextCorrelationId()
	msg := command.RemoveMessage{
		CorrelatedMessage: p.correlated(correlationId),
		RegistrationId:    registrationId,
	}
	return correlationId, p.write(msgTypeId, &msg)
}

func (p *driverProxy) removePublication(registrationId int64) (int64, error) {
	return p.remove(command.RemovePublication, registrationId)
}

func (p *driverProxy) removeSubscription(registrationId int64) (int64, error) {
	return p.remove(command.RemoveSubscription, registrationId)
}

func (p *driverProxy) sendKeepalive() error {
	msg := p.correlated(0)
	return p.write(command.ClientKeepalive, &msg)
}

func (p *driverProxy) sendClientClose() error {
	msg := p.correlated(0)
	return p.write(command.ClientClose, &msg)
}
