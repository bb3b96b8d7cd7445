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

// Package command holds the control protocol spoken between clients and the
// driver: commands written to the to-driver ring and responses read from the
// to-clients broadcast buffer. All fields are little-endian; strings carry an
// int32 length prefix.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Commands, client to driver.
const (
	AddPublication          int32 = 0x01
	RemovePublication       int32 = 0x02
	AddExclusivePublication int32 = 0x03
	AddSubscription         int32 = 0x04
	RemoveSubscription      int32 = 0x05
	ClientKeepalive         int32 = 0x06
	ClientClose             int32 = 0x0B
)

// Responses, driver to clients.
const (
	OnError                     int32 = 0x0F01
	OnAvailableImage            int32 = 0x0F02
	OnPublicationReady          int32 = 0x0F03
	OnOperationSuccess          int32 = 0x0F04
	OnUnavailableImage          int32 = 0x0F05
	OnExclusivePublicationReady int32 = 0x0F06
	OnSubscriptionReady         int32 = 0x0F07
	OnClientTimeout             int32 = 0x0F08
)

// Error codes carried by ErrorResponse.
const (
	ErrorCodeGeneric         int32 = 0
	ErrorCodeInvalidChannel  int32 = 1
	ErrorCodeUnknownSub      int32 = 2
	ErrorCodeUnknownPub      int32 = 3
	ErrorCodeResourceLimited int32 = 4
)

// ErrShortMessage reports a message truncated before all its fields.
var ErrShortMessage = errors.New("short control message")

var typeNames = map[int32]string{
	AddPublication:              "ADD_PUBLICATION",
	RemovePublication:           "REMOVE_PUBLICATION",
	AddExclusivePublication:     "ADD_EXCLUSIVE_PUBLICATION",
	AddSubscription:             "ADD_SUBSCRIPTION",
	RemoveSubscription:          "REMOVE_SUBSCRIPTION",
	ClientKeepalive:             "CLIENT_KEEPALIVE",
	ClientClose:                 "CLIENT_CLOSE",
	OnError:                     "ON_ERROR",
	OnAvailableImage:            "ON_AVAILABLE_IMAGE",
	OnPublicationReady:          "ON_PUBLICATION_READY",
	OnOperationSuccess:          "ON_OPERATION_SUCCESS",
	OnUnavailableImage:          "ON_UNAVAILABLE_IMAGE",
	OnExclusivePublicationReady: "ON_EXCLUSIVE_PUBLICATION_READY",
	OnSubscriptionReady:         "ON_SUBSCRIPTION_READY",
	OnClientTimeout:             "ON_CLIENT_TIMEOUT",
}

// TypeName returns the protocol name of a message type id.
func TypeName(msgTypeId int32) string {
	if n, ok := typeNames[msgTypeId]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%X)", msgTypeId)
}

func appendInt32(dst []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(v))
}

func appendInt64(dst []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(v))
}

func appendString(dst []byte, s string) []byte {
	dst = appendInt32(dst, int32(len(s)))
	return append(dst, s...)
}

type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || len(d.b)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortMessage, n, d.off, len(d.b)-d.off)
		return false
	}
	return true
}

func (d *decoder) readInt32() int32 {
	if !d.need(4) {
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(d.b[d.off:]))
	d.off += 4
	return v
}

func (d *decoder) readInt64() int64 {
	if !d.need(8) {
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(d.b[d.off:]))
	d.off += 8
	return v
}

func (d *decoder) readString() string {
	n := int(d.readInt32())
	if !d.need(n) {
		return ""
	}
	s := string(d.b[d.off : d.off+n])
	d.off += n
	return s
}
