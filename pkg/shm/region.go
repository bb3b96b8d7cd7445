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

package shm

import (
	"context"
	"errors"
	"sync"

	internalshm "github.com/srediag/shmbus/internal/shm"
)

// Region is a file shared with the driver, mapped read-write into this process.
// The library never frees the underlying file; closing only unmaps it.
type Region struct {
	region *internalshm.MappedRegion
	once   sync.Once
	err    error
}

// OpenOptions defines options for mapping a shared file.
type OpenOptions struct {
	// Path of the file, usually under the driver directory.
	Path string
	// Size is the number of bytes to map. Zero maps the whole file.
	Size int
	// Create indicates whether to create the file (driver side and tests only).
	Create bool
}

// Open maps the file described by opts.
func Open(ctx context.Context, opts OpenOptions) (*Region, error) {
	if opts.Path == "" {
		return nil, errors.New("empty shared memory path")
	}
	if opts.Size < 0 || (opts.Create && opts.Size == 0) {
		return nil, errors.New("invalid region size")
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Path:   opts.Path,
		Size:   opts.Size,
		Create: opts.Create,
	})
	if err != nil {
		return nil, err
	}
	return &Region{region: region}, nil
}

// Bytes returns the mapped memory. It must not be used after Close.
func (r *Region) Bytes() []byte {
	return r.region.Addr
}

// Len returns the mapped length in bytes.
func (r *Region) Len() int {
	return len(r.region.Addr)
}

// Path returns the path of the mapped file.
func (r *Region) Path() string {
	return r.region.Path
}

// Close unmaps the region. Only the first call has an effect.
func (r *Region) Close() error {
	r.once.Do(func() {
		r.err = internalshm.UnmapRegion(context.Background(), r.region)
	})
	return r.err
}
