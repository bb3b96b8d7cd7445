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

package command

// CorrelatedMessage prefixes every command: the sending client and the id
// the driver echoes in its response.
type CorrelatedMessage struct {
	ClientId      int64
	CorrelationId int64
}

func (m *CorrelatedMessage) AppendTo(dst []byte) []byte {
	dst = appendInt64(dst, m.ClientId)
	return appendInt64(dst, m.CorrelationId)
}

func (m *CorrelatedMessage) Decode(b []byte) error {
	d := decoder{b: b}
	m.decode(&d)
	return d.err
}

func (m *CorrelatedMessage) decode(d *decoder) {
	m.ClientId = d.readInt64()
	m.CorrelationId = d.readInt64()
}

// PublicationMessage is the payload of ADD_PUBLICATION and
// ADD_EXCLUSIVE_PUBLICATION.
type PublicationMessage struct {
	CorrelatedMessage
	StreamId int32
	Channel  string
}

func (m *PublicationMessage) AppendTo(dst []byte) []byte {
	dst = m.CorrelatedMessage.AppendTo(dst)
	dst = appendInt32(dst, m.StreamId)
	return appendString(dst, m.Channel)
}

func (m *PublicationMessage) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelatedMessage.decode(&d)
	m.StreamId = d.readInt32()
	m.Channel = d.readString()
	return d.err
}

// SubscriptionMessage is the payload of ADD_SUBSCRIPTION.
type SubscriptionMessage struct {
	CorrelatedMessage
	RegistrationCorrelationId int64
	StreamId                  int32
	Channel                   string
}

func (m *SubscriptionMessage) AppendTo(dst []byte) []byte {
	dst = m.CorrelatedMessage.AppendTo(dst)
	dst = appendInt64(dst, m.RegistrationCorrelationId)
	dst = appendInt32(dst, m.StreamId)
	return appendString(dst, m.Channel)
}

func (m *SubscriptionMessage) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelatedMessage.decode(&d)
	m.RegistrationCorrelationId = d.readInt64()
	m.StreamId = d.readInt32()
	m.Channel = d.readString()
	return d.err
}

// RemoveMessage is the payload of REMOVE_PUBLICATION and REMOVE_SUBSCRIPTION.
type RemoveMessage struct {
	CorrelatedMessage
	RegistrationId int64
}

func (m *RemoveMessage) AppendTo(dst []byte) []byte {
	dst = m.CorrelatedMessage.AppendTo(dst)
	return appendInt64(dst, m.RegistrationId)
}

func (m *RemoveMessage) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelatedMessage.decode(&d)
	m.RegistrationId = d.readInt64()
	return d.err
}

// PublicationBuffersReady answers ADD_PUBLICATION and
// ADD_EXCLUSIVE_PUBLICATION with the log to map and the counters to use.
type PublicationBuffersReady struct {
	CorrelationId             int64
	RegistrationId            int64
	SessionId                 int32
	StreamId                  int32
	PublicationLimitCounterId int32
	ChannelStatusId           int32
	LogFileName               string
}

func (m *PublicationBuffersReady) AppendTo(dst []byte) []byte {
	dst = appendInt64(dst, m.CorrelationId)
	dst = appendInt64(dst, m.RegistrationId)
	dst = appendInt32(dst, m.SessionId)
	dst = appendInt32(dst, m.StreamId)
	dst = appendInt32(dst, m.PublicationLimitCounterId)
	dst = appendInt32(dst, m.ChannelStatusId)
	return appendString(dst, m.LogFileName)
}

func (m *PublicationBuffersReady) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelationId = d.readInt64()
	m.RegistrationId = d.readInt64()
	m.SessionId = d.readInt32()
	m.StreamId = d.readInt32()
	m.PublicationLimitCounterId = d.readInt32()
	m.ChannelStatusId = d.readInt32()
	m.LogFileName = d.readString()
	return d.err
}

// ImageBuffersReady announces an image a subscription can poll.
type ImageBuffersReady struct {
	CorrelationId              int64
	SessionId                  int32
	StreamId                   int32
	SubscriptionRegistrationId int64
	SubscriberPositionId       int32
	LogFileName                string
	SourceIdentity             string
}

func (m *ImageBuffersReady) AppendTo(dst []byte) []byte {
	dst = appendInt64(dst, m.CorrelationId)
	dst = appendInt32(dst, m.SessionId)
	dst = appendInt32(dst, m.StreamId)
	dst = appendInt64(dst, m.SubscriptionRegistrationId)
	dst = appendInt32(dst, m.SubscriberPositionId)
	dst = appendString(dst, m.LogFileName)
	return appendString(dst, m.SourceIdentity)
}

func (m *ImageBuffersReady) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelationId = d.readInt64()
	m.SessionId = d.readInt32()
	m.StreamId = d.readInt32()
	m.SubscriptionRegistrationId = d.readInt64()
	m.SubscriberPositionId = d.readInt32()
	m.LogFileName = d.readString()
	m.SourceIdentity = d.readString()
	return d.err
}

// ImageMessage announces that an image went away.
type ImageMessage struct {
	CorrelationId              int64
	SubscriptionRegistrationId int64
	StreamId                   int32
	Channel                    string
}

func (m *ImageMessage) AppendTo(dst []byte) []byte {
	dst = appendInt64(dst, m.CorrelationId)
	dst = appendInt64(dst, m.SubscriptionRegistrationId)
	dst = appendInt32(dst, m.StreamId)
	return appendString(dst, m.Channel)
}

func (m *ImageMessage) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelationId = d.readInt64()
	m.SubscriptionRegistrationId = d.readInt64()
	m.StreamId = d.readInt32()
	m.Channel = d.readString()
	return d.err
}

// ErrorResponse rejects the command with OffendingCorrelationId.
type ErrorResponse struct {
	OffendingCorrelationId int64
	ErrorCode              int32
	Message                string
}

func (m *ErrorResponse) AppendTo(dst []byte) []byte {
	dst = appendInt64(dst, m.OffendingCorrelationId)
	dst = appendInt32(dst, m.ErrorCode)
	return appendString(dst, m.Message)
}

func (m *ErrorResponse) Decode(b []byte) error {
	d := decoder{b: b}
	m.OffendingCorrelationId = d.readInt64()
	m.ErrorCode = d.readInt32()
	m.Message = d.readString()
	return d.err
}

// OperationSucceeded acknowledges a remove command.
type OperationSucceeded struct {
	CorrelationId int64
}

func (m *OperationSucceeded) AppendTo(dst []byte) []byte {
	return appendInt64(dst, m.CorrelationId)
}

func (m *OperationSucceeded) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelationId = d.readInt64()
	return d.err
}

// SubscriptionReady answers ADD_SUBSCRIPTION.
type SubscriptionReady struct {
	CorrelationId   int64
	ChannelStatusId int32
}

func (m *SubscriptionReady) AppendTo(dst []byte) []byte {
	dst = appendInt64(dst, m.CorrelationId)
	return appendInt32(dst, m.ChannelStatusId)
}

func (m *SubscriptionReady) Decode(b []byte) error {
	d := decoder{b: b}
	m.CorrelationId = d.readInt64()
	m.ChannelStatusId = d.readInt32()
	return d.err
}

// ClientTimeout tells a client the driver dropped it.
type ClientTimeout struct {
	ClientId int64
}

func (m *ClientTimeout) AppendTo(dst []byte) []byte {
	return appendInt64(dst, m.ClientId)
}

func (m *ClientTimeout) Decode(b []byte) error {
	d := decoder{b: b}
	m.ClientId = d.readInt64()
	return d.err
}
