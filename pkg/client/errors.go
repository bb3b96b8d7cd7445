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
	"fmt"

	"github.com/srediag/shmbus/pkg/broadcast"
	"github.com/srediag/shmbus/pkg/ringbuffer"
)

var (
	// ErrPublicationUnavailable is terminal for a publication: it was closed
	// or the client lost the driver.
	ErrPublicationUnavailable = errors.New("publication unavailable")
	// ErrBackPressured reports the offer would pass the publication limit.
	ErrBackPressured = errors.New("publication back pressured")
	// ErrAdminAction reports a term rotation; retry immediately.
	ErrAdminAction = errors.New("publication admin action")
	// ErrMaxPositionExceeded reports a stream that reached the largest
	// position its term length can express.
	ErrMaxPositionExceeded = errors.New("publication max position exceeded")
	// ErrMessageTooLong reports a payload over the publication limits.
	ErrMessageTooLong = errors.New("message too long")

	ErrClientClosed       = errors.New("client closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrDriverTimeout reports a driver that stopped answering or whose
	// process is gone.
	ErrDriverTimeout = errors.New("driver timeout")
	// ErrClientTimeout reports that the driver dropped this client.
	ErrClientTimeout = errors.New("client timed out by driver")
	ErrInvalidConfig = errors.New("invalid client config")
)

// RegistrationError is the driver's rejection of a command.
type RegistrationError struct {
	CorrelationId int64
	Code          int32
	Message       string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration %d rejected by driver: code=%d %s", e.CorrelationId, e.Code, e.Message)
}

// IsRetriable reports whether err is a transient condition the caller can
// retry after backing off.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrBackPressured) ||
		errors.Is(err, ErrAdminAction) ||
		errors.Is(err, ringbuffer.ErrInsufficientCapacity) ||
		errors.Is(err, broadcast.ErrLapped)
}
