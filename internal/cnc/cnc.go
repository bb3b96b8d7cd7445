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

// Package cnc maps the driver's command-and-control file: a fixed header
// followed by the to-driver ring, the to-clients broadcast buffer and the
// counter values.
package cnc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/shm"
)

const (
	// FileName is the name of the file inside the driver directory.
	FileName = "cnc.dat"
	// Version is the layout version this client understands. The driver
	// stores it last, so zero means the file is still being written.
	Version int32 = 1

	VersionOffset               int32 = 0
	ToDriverLengthOffset        int32 = 4
	ToClientsLengthOffset       int32 = 8
	CounterValuesLengthOffset   int32 = 12
	ClientLivenessTimeoutOffset int32 = 16
	StartTimestampOffset        int32 = 24
	DriverPidOffset             int32 = 32
	HeaderLength                int32 = 128
)

var (
	ErrVersionMismatch = errors.New("cnc version mismatch")
	// ErrNotReady reports a file the driver has not finished initializing.
	ErrNotReady   = errors.New("cnc file not ready")
	ErrInvalidCnc = errors.New("invalid cnc file")
)

// Params describes the file a driver creates.
type Params struct {
	ToDriverLength        int32
	ToClientsLength       int32
	CounterValuesLength   int32
	ClientLivenessTimeout time.Duration
	StartTimestamp        time.Time
	DriverPid             int64
}

// File is a mapped cnc file.
type File struct {
	region        *shm.Region
	header        *buffer.AtomicBuffer
	toDriver      *buffer.AtomicBuffer
	toClients     *buffer.AtomicBuffer
	counterValues *buffer.AtomicBuffer
}

// Path returns the cnc file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Open maps the cnc file in dir and validates its header.
func Open(ctx context.Context, dir string) (*File, error) {
	region, err := shm.Open(ctx, shm.OpenOptions{Path: Path(dir)})
	if err != nil {
		return nil, err
	}
	f, err := wrap(region)
	if err != nil {
		if cerr := region.Close(); cerr != nil {
			logger.Internal.Warnf("unmap %s: %v", region.Path(), cerr)
		}
		return nil, err
	}
	return f, nil
}

// Create writes a new cnc file in dir. Only a driver creates the file.
func Create(ctx context.Context, dir string, p Params) (*File, error) {
	if p.ToDriverLength <= 0 || p.ToClientsLength <= 0 || p.CounterValuesLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive section length", ErrInvalidCnc)
	}
	total := int(HeaderLength) + int(p.ToDriverLength) + int(p.ToClientsLength) + int(p.CounterValuesLength)
	region, err := shm.Open(ctx, shm.OpenOptions{Path: Path(dir), Size: total, Create: true})
	if err != nil {
		return nil, err
	}
	h := buffer.New(region.Bytes()[:HeaderLength])
	h.PutInt32(ToDriverLengthOffset, p.ToDriverLength)
	h.PutInt32(ToClientsLengthOffset, p.ToClientsLength)
	h.PutInt32(CounterValuesLengthOffset, p.CounterValuesLength)
	h.PutInt64(ClientLivenessTimeoutOffset, int64(p.ClientLivenessTimeout))
	h.PutInt64(StartTimestampOffset, p.StartTimestamp.UnixMilli())
	h.PutInt64(DriverPidOffset, p.DriverPid)
	h.PutInt32Ordered(VersionOffset, Version)

	f, err := wrap(region)
	if err != nil {
		_ = region.Close()
		return nil, err
	}
	return f, nil
}

func wrap(region *shm.Region) (*File, error) {
	mem := region.Bytes()
	if len(mem) < int(HeaderLength) {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCnc, len(mem))
	}
	h := buffer.New(mem[:HeaderLength])
	switch v := h.GetInt32Volatile(VersionOffset); {
	case v == 0:
		return nil, ErrNotReady
	case v != Version:
		return nil, fmt.Errorf("%w: file has %d, client supports %d", ErrVersionMismatch, v, Version)
	}

	toDriver := h.GetInt32(ToDriverLengthOffset)
	toClients := h.GetInt32(ToClientsLengthOffset)
	counters := h.GetInt32(CounterValuesLengthOffset)
	if toDriver <= 0 || toClients <= 0 || counters <= 0 ||
		int64(HeaderLength)+int64(toDriver)+int64(toClients)+int64(counters) != int64(len(mem)) {
		return nil, fmt.Errorf("%w: section lengths %d/%d/%d do not add up to %d", ErrInvalidCnc, toDriver, toClients, counters, len(mem))
	}

	off := HeaderLength
	f := &File{region: region, header: h}
	f.toDriver = buffer.New(mem[off : off+toDriver])
	off += toDriver
	f.toClients = buffer.New(mem[off : off+toClients])
	off += toClients
	f.counterValues = buffer.New(mem[off : off+counters])
	return f, nil
}

func (f *File) ToDriver() *buffer.AtomicBuffer      { return f.toDriver }
func (f *File) ToClients() *buffer.AtomicBuffer     { return f.toClients }
func (f *File) CounterValues() *buffer.AtomicBuffer { return f.counterValues }
func (f *File) Version() int32                      { return f.header.GetInt32Volatile(VersionOffset) }
func (f *File) DriverPid() int64                    { return f.header.GetInt64(DriverPidOffset) }

// ClientLivenessTimeout is how long the driver keeps a silent client.
func (f *File) ClientLivenessTimeout() time.Duration {
	return time.Duration(f.header.GetInt64(ClientLivenessTimeoutOffset))
}

// StartTimestamp is when the driver started.
func (f *File) StartTimestamp() time.Time {
	return time.UnixMilli(f.header.GetInt64(StartTimestampOffset))
}

// Path returns the mapped file path.
func (f *File) Path() string { return f.region.Path() }

// Close unmaps the file.
func (f *File) Close() error { return f.region.Close() }
