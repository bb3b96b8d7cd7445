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

package cnc

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/shm"
)

type CncSuite struct {
	suite.Suite
	dir string
	ctx context.Context
}

func (s *CncSuite) SetupTest() {
	if runtime.GOOS != "linux" {
		s.T().Skip("shared mappings are only implemented on linux")
	}
	s.dir = s.T().TempDir()
	s.ctx = context.Background()
}

func (s *CncSuite) TestCreateThenOpen() {
	start := time.UnixMilli(time.Now().UnixMilli())
	created, err := Create(s.ctx, s.dir, Params{
		ToDriverLength:        1024 + 768,
		ToClientsLength:       1024 + 128,
		CounterValuesLength:   4096,
		ClientLivenessTimeout: 5 * time.Second,
		StartTimestamp:        start,
		DriverPid:             int64(os.Getpid()),
	})
	s.Require().NoError(err)
	defer func() { s.NoError(created.Close()) }()

	created.ToDriver().PutInt64(0, 77)

	f, err := Open(s.ctx, s.dir)
	s.Require().NoError(err)
	defer func() { s.NoError(f.Close()) }()

	s.Equal(Version, f.Version())
	s.Equal(int32(1024+768), f.ToDriver().Capacity())
	s.Equal(int32(1024+128), f.ToClients().Capacity())
	s.Equal(int32(4096), f.CounterValues().Capacity())
	s.Equal(5*time.Second, f.ClientLivenessTimeout())
	s.True(start.Equal(f.StartTimestamp()))
	s.Equal(int64(os.Getpid()), f.DriverPid())
	s.Equal(int64(77), f.ToDriver().GetInt64(0))
	s.Equal(Path(s.dir), f.Path())
}

func (s *CncSuite) writeRaw(size int, fill func(h *buffer.AtomicBuffer)) {
	r, err := shm.Open(s.ctx, shm.OpenOptions{Path: Path(s.dir), Size: size, Create: true})
	s.Require().NoError(err)
	fill(buffer.New(r.Bytes()))
	s.Require().NoError(r.Close())
}

func (s *CncSuite) TestOpenRejectsBadFiles() {
	_, err := Open(s.ctx, s.dir)
	s.Error(err)

	s.writeRaw(int(HeaderLength)+64, func(*buffer.AtomicBuffer) {})
	_, err = Open(s.ctx, s.dir)
	s.True(errors.Is(err, ErrNotReady))

	s.writeRaw(int(HeaderLength)+64, func(h *buffer.AtomicBuffer) { h.PutInt32(VersionOffset, Version+1) })
	_, err = Open(s.ctx, s.dir)
	s.True(errors.Is(err, ErrVersionMismatch))

	s.writeRaw(int(HeaderLength)+64, func(h *buffer.AtomicBuffer) {
		h.PutInt32(VersionOffset, Version)
		h.PutInt32(ToDriverLengthOffset, 32)
		h.PutInt32(ToClientsLengthOffset, 32)
		h.PutInt32(CounterValuesLengthOffset, 32)
	})
	_, err = Open(s.ctx, s.dir)
	s.True(errors.Is(err, ErrInvalidCnc))

	_, err = Create(s.ctx, s.dir, Params{})
	s.True(errors.Is(err, ErrInvalidCnc))
}

func TestCncSuite(t *testing.T) {
	suite.Run(t, new(CncSuite))
}
