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

// Package shm contains platform-specific helpers for mapping the files the
// driver shares with its clients.
package shm

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/shmbus/internal/logger"
)

const devShm = "/dev/shm"

var (
	// ErrUnsupportedPlatform is returned where file mapping is not implemented.
	ErrUnsupportedPlatform = errors.New("shared memory mapping not supported on this platform")
	// ErrInsufficientSpace is returned when /dev/shm cannot hold a new file.
	ErrInsufficientSpace = errors.New("not enough free space on /dev/shm")
)

// CanCreate reports whether a file of size bytes fits on /dev/shm. Paths
// elsewhere always fit.
func CanCreate(size uint64, path string) bool {
	if !strings.HasPrefix(filepath.Clean(path), devShm+"/") {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		logger.Internal.Debugf("usage of %s: %v", devShm, err)
		return true
	}
	return stat.Free >= size
}

// MappedRegion represents a memory-mapped file region.
type MappedRegion struct {
	Addr []byte
	Path string
	fd   int
}

// MapOptions defines options for mapping a file.
type MapOptions struct {
	Path string
	// Size to map. Zero maps the whole existing file.
	Size int
	// Create creates (and truncates to Size) the file when missing.
	Create bool
}

// Function implementations are provided in platform-specific files.
