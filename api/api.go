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

// Package api defines the contracts shmbus exposes to code that embeds it.
// The client package implements them; adapters depend only on them.
package api

import (
	"time"

	"github.com/srediag/shmbus/pkg/logbuffer"
)

// Publisher offers messages to one stream.
type Publisher interface {
	Channel() string
	StreamId() int32
	SessionId() int32
	// Offer appends payload and returns the new stream position.
	Offer(payload []byte, supplier logbuffer.ReservedValueSupplier) (int64, error)
	// TryClaim reserves a frame the caller fills in and commits.
	TryClaim(length int32, claim *logbuffer.BufferClaim) (int64, error)
	Position() int64
	PositionLimit() int64
	IsConnected() bool
	IsClosed() bool
	Close() error
}

// Poller delivers fragments of one or more streams.
type Poller interface {
	Poll(handler logbuffer.FragmentHandler, fragmentLimit int) (int, error)
	IsClosed() bool
}

// ImageView is the read-only state of one publisher session seen by a
// subscriber.
type ImageView interface {
	SessionId() int32
	SourceIdentity() string
	// Position is how far the subscriber has consumed the session.
	Position() int64
}

// Subscriber polls one stream and exposes its images.
type Subscriber interface {
	Poller
	Channel() string
	StreamId() int32
	// ForEachImage calls fn for every image connected at the time of the
	// call.
	ForEachImage(fn func(ImageView))
}

// DriverMonitor exposes the health of a connection to the driver.
type DriverMonitor interface {
	// Err returns nil while the connection is usable.
	Err() error
	// DriverHeartbeat returns when the driver last consumed commands.
	DriverHeartbeat() time.Time
}
