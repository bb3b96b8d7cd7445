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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/internal/cnc"
	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/broadcast"
	"github.com/srediag/shmbus/pkg/ringbuffer"
)

const instrumentationName = "github.com/srediag/shmbus/pkg/client"

var (
	_ api.Publisher     = (*Publication)(nil)
	_ api.Subscriber    = (*Subscription)(nil)
	_ api.Poller        = (*Image)(nil)
	_ api.ImageView     = (*Image)(nil)
	_ api.DriverMonitor = (*Client)(nil)
)

// Client is a connection to a media driver. Registrations and DoWork may be
// called from any goroutine; the client runs no goroutines of its own, so
// somebody must call DoWork regularly, at least once per KeepaliveInterval.
type Client struct {
	conductor *conductor
	metrics   *Metrics
}

// Connect maps the driver's cnc file in cfg.Dir, waiting up to the driver
// timeout for the driver to create it, and checks the driver is alive.
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	file, err := openCnc(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cl, err := connect(cfg, file)
	if err != nil {
		if cerr := file.Close(); cerr != nil {
			logger.Internal.Warnf("unmap %s: %v", file.Path(), cerr)
		}
		return nil, err
	}
	return cl, nil
}

func openCnc(ctx context.Context, cfg *Config) (*cnc.File, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = cfg.DriverTimeout

	var file *cnc.File
	op := func() error {
		f, err := cnc.Open(ctx, cfg.Dir)
		if err != nil {
			if errors.Is(err, cnc.ErrVersionMismatch) {
				return backoff.Permanent(err)
			}
			return err
		}
		file = f
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, cnc.ErrVersionMismatch) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDriverTimeout, cnc.Path(cfg.Dir), err)
	}
	return file, nil
}

func connect(cfg *Config, file *cnc.File) (*Client, error) {
	ring, err := ringbuffer.New(file.ToDriver())
	if err != nil {
		return nil, fmt.Errorf("to-driver ring: %w", err)
	}
	rx, err := broadcast.NewReceiver(file.ToClients())
	if err != nil {
		return nil, fmt.Errorf("to-clients broadcast: %w", err)
	}
	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}

	c, err := newConductor(cfg, file, newDriverProxy(ring), broadcast.NewCopyReceiver(rx), metrics, meter, tracer)
	if err != nil {
		return nil, err
	}
	if err := c.checkLiveness(c.now()); err != nil {
		if c.pool != nil {
			c.pool.Release()
		}
		return nil, err
	}
	if liveness := file.ClientLivenessTimeout(); liveness > 0 && cfg.KeepaliveInterval >= liveness {
		logger.Internal.Warnf("keepalive interval %v is not below the driver's client liveness timeout %v",
			cfg.KeepaliveInterval, liveness)
	}
	logger.Internal.Infof("client %d connected to %s, driver pid %d", c.proxy.clientId, cfg.Dir, file.DriverPid())
	return &Client{conductor: c, metrics: metrics}, nil
}

// ClientId is the id the driver knows this client by.
func (cl *Client) ClientId() int64 { return cl.conductor.proxy.clientId }

// Metrics returns the client's collectors.
func (cl *Client) Metrics() *Metrics { return cl.metrics }

// IsClosed reports whether Close was called.
func (cl *Client) IsClosed() bool {
	cl.conductor.mu.Lock()
	defer cl.conductor.mu.Unlock()
	return cl.conductor.closed
}

// Err returns ErrClientClosed after Close, the reason the driver was lost
// after a timeout, and nil otherwise.
func (cl *Client) Err() error {
	cl.conductor.mu.Lock()
	defer cl.conductor.mu.Unlock()
	if cl.conductor.closed {
		return ErrClientClosed
	}
	return cl.conductor.terminal
}

// DriverHeartbeat returns when the driver last read the command ring. It is
// the zero time after Close.
func (cl *Client) DriverHeartbeat() time.Time {
	cl.conductor.mu.Lock()
	defer cl.conductor.mu.Unlock()
	if cl.conductor.closed {
		return time.Time{}
	}
	return cl.conductor.proxy.consumerHeartbeat()
}

// AddPublication registers a publication and waits for the driver to create
// its log.
func (cl *Client) AddPublication(ctx context.Context, channel string, streamId int32) (*Publication, error) {
	return cl.conductor.addPublication(ctx, channel, streamId, false)
}

// AddExclusivePublication registers a publication with a session of its own.
func (cl *Client) AddExclusivePublication(ctx context.Context, channel string, streamId int32) (*Publication, error) {
	return cl.conductor.addPublication(ctx, channel, streamId, true)
}

// AddSubscription registers a subscription. Images arrive through later
// DoWork calls as publishers connect.
func (cl *Client) AddSubscription(ctx context.Context, channel string, streamId int32) (*Subscription, error) {
	return cl.conductor.addSubscription(ctx, channel, streamId)
}

// DoWork processes driver notifications, sends keepalives and releases
// lingering logs. It returns the amount of work done. After the driver is
// lost it returns ErrDriverTimeout or ErrClientTimeout; after Close it
// returns ErrClientClosed.
func (cl *Client) DoWork() (int, error) {
	return cl.conductor.doWork()
}

// Close tells the driver this client is leaving and unmaps everything.
// Publications and subscriptions become unusable at once; their logs stay
// mapped for Config.CloseLinger so offers and polls already under way can
// return.
func (cl *Client) Close() error {
	return cl.conductor.close()
}
