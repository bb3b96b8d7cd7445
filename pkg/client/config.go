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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/fragment"
)

const (
	defaultDriverTimeout     = 10 * time.Second
	defaultKeepaliveInterval = 500 * time.Millisecond
	defaultResourceLinger    = 3 * time.Second
	defaultCloseLinger       = 100 * time.Millisecond

	// EnvDir overrides Config.Dir in DefaultConfig.
	EnvDir = "SHMBUS_DIR"
	// EnvDriverTimeout overrides Config.DriverTimeout, as a Go duration.
	EnvDriverTimeout = "SHMBUS_DRIVER_TIMEOUT"
)

// Config is used to connect a Client.
type Config struct {
	// Dir is the driver directory holding cnc.dat and the log files.
	Dir string
	// DriverTimeout bounds every wait on the driver and is how long a
	// silent driver is tolerated.
	DriverTimeout time.Duration
	// KeepaliveInterval is how often DoWork tells the driver the client is alive.
	KeepaliveInterval time.Duration
	// ResourceLinger is how long a released log stays mapped so in-flight
	// polls and offers never touch unmapped memory.
	ResourceLinger time.Duration
	// CloseLinger is how long Close waits after revoking every publication
	// and image before it unmaps their logs.
	CloseLinger time.Duration

	// FragmentBufferLength is the initial reassembly buffer per session.
	FragmentBufferLength int
	// AbandonPolicy governs incomplete messages superseded by a new one.
	AbandonPolicy fragment.AbandonPolicy

	// HandlerPoolSize, when positive, dispatches image callbacks on a
	// worker pool of that size instead of the DoWork caller.
	HandlerPoolSize int

	// Registerer receives the client metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer
	// Meter records registration counts. Nil uses a no-op meter.
	Meter metric.Meter
	// Tracer spans driver registrations. Nil uses a no-op tracer.
	Tracer trace.Tracer

	// ErrorHandler receives asynchronous errors. Nil logs them.
	ErrorHandler func(error)
	// OnAvailableImage and OnUnavailableImage are told about images coming
	// and going. Called inline from DoWork unless HandlerPoolSize is set, in
	// which case they must not assume ordering. Inline callbacks must not
	// call back into the client.
	OnAvailableImage   func(*Image)
	OnUnavailableImage func(*Image)
}

func defaultDir() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "default"
	}
	base := "/dev/shm"
	if fi, err := os.Stat(base); err != nil || !fi.IsDir() {
		base = os.TempDir()
	}
	return filepath.Join(base, "shmbus-"+user)
}

// DefaultConfig returns the default config, with the SHMBUS_DIR and
// SHMBUS_DRIVER_TIMEOUT environment overrides applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Dir:                  defaultDir(),
		DriverTimeout:        defaultDriverTimeout,
		KeepaliveInterval:    defaultKeepaliveInterval,
		ResourceLinger:       defaultResourceLinger,
		CloseLinger:          defaultCloseLinger,
		FragmentBufferLength: fragment.DefaultBufferLength,
		AbandonPolicy:        fragment.DropAbandoned,
	}
	if dir := os.Getenv(EnvDir); dir != "" {
		cfg.Dir = dir
	}
	if v := os.Getenv(EnvDriverTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Internal.Warnf("ignoring %s=%q: not a positive duration", EnvDriverTimeout, v)
		} else {
			cfg.DriverTimeout = d
		}
	}
	return cfg
}

// VerifyConfig checks cfg is usable.
func VerifyConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if cfg.Dir == "" {
		return fmt.Errorf("%w: empty driver directory", ErrInvalidConfig)
	}
	if cfg.DriverTimeout <= 0 {
		return fmt.Errorf("%w: driver timeout %v must be positive", ErrInvalidConfig, cfg.DriverTimeout)
	}
	if cfg.KeepaliveInterval <= 0 || cfg.KeepaliveInterval >= cfg.DriverTimeout {
		return fmt.Errorf("%w: keepalive interval %v must be positive and below the driver timeout %v",
			ErrInvalidConfig, cfg.KeepaliveInterval, cfg.DriverTimeout)
	}
	if cfg.ResourceLinger < 0 {
		return fmt.Errorf("%w: negative resource linger %v", ErrInvalidConfig, cfg.ResourceLinger)
	}
	if cfg.CloseLinger < 0 {
		return fmt.Errorf("%w: negative close linger %v", ErrInvalidConfig, cfg.CloseLinger)
	}
	if cfg.FragmentBufferLength <= 0 {
		return fmt.Errorf("%w: fragment buffer length %d must be positive", ErrInvalidConfig, cfg.FragmentBufferLength)
	}
	if cfg.AbandonPolicy != fragment.DropAbandoned && cfg.AbandonPolicy != fragment.FailOnAbandoned {
		return fmt.Errorf("%w: unknown abandon policy %v", ErrInvalidConfig, cfg.AbandonPolicy)
	}
	if cfg.HandlerPoolSize < 0 {
		return fmt.Errorf("%w: negative handler pool size %d", ErrInvalidConfig, cfg.HandlerPoolSize)
	}
	return nil
}
