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
	"path/filepath"
	"sync"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmbus/internal/cnc"
	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/broadcast"
	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/command"
	"github.com/srediag/shmbus/pkg/counters"
	"github.com/srediag/shmbus/pkg/fragment"
	"github.com/srediag/shmbus/pkg/logbuffer"
)

const (
	awaitInitialInterval = time.Millisecond
	awaitMaxInterval     = 50 * time.Millisecond
	lingeringQueueHint   = 64
)

// errAwaiting keeps the await backoff going until the driver answers.
var errAwaiting = errors.New("awaiting driver response")

// resource is a registration owned by the client: exactly one field is set.
type resource struct {
	publication  *Publication
	subscription *Subscription
}

// pendingRegistration is a command sent to the driver that has not been
// answered yet.
type pendingRegistration struct {
	channel   string
	streamId  int32
	exclusive bool

	done         bool
	err          error
	publication  *Publication
	subscription *Subscription
}

type lingeringLog struct {
	log      *logbuffer.LogBuffers
	deadline time.Time
}

// conductor owns every driver interaction of a client. It has no goroutine
// of its own: DoWork and the registration calls drive it.
type conductor struct {
	mu sync.Mutex

	cfg           *Config
	cnc           *cnc.File
	proxy         *driverProxy
	receiver      *broadcast.CopyReceiver
	counterValues *buffer.AtomicBuffer
	driverPid     int32

	resources cmap.ConcurrentMap[int64, resource]
	pending   map[int64]*pendingRegistration
	lingering *queuepkg.Queue
	pool      *ants.Pool

	metrics       *Metrics
	tracer        trace.Tracer
	registrations metric.Int64Counter

	lastKeepalive time.Time
	lastLapCount  int64
	closed        bool
	terminal      error
	now           func() time.Time
}

func shardRegistration(id int64) uint32 {
	return uint32(id) ^ uint32(id>>32)
}

func newConductor(cfg *Config, file *cnc.File, proxy *driverProxy, receiver *broadcast.CopyReceiver,
	metrics *Metrics, meter metric.Meter, tracer trace.Tracer) (*conductor, error) {
	registrations, err := meter.Int64Counter("shmbus.client.registrations",
		metric.WithDescription("Driver registrations attempted by the client."))
	if err != nil {
		return nil, err
	}
	c := &conductor{
		cfg:           cfg,
		cnc:           file,
		proxy:         proxy,
		receiver:      receiver,
		counterValues: file.CounterValues(),
		driverPid:     int32(file.DriverPid()),
		resources:     cmap.NewWithCustomShardingFunction[int64, resource](shardRegistration),
		pending:       make(map[int64]*pendingRegistration),
		lingering:     queuepkg.New(lingeringQueueHint),
		metrics:       metrics,
		tracer:        tracer,
		registrations: registrations,
		lastLapCount:  receiver.LappedCount(),
		now:           time.Now,
	}
	if cfg.HandlerPoolSize > 0 {
		c.pool, err = ants.NewPool(cfg.HandlerPoolSize, ants.WithPanicHandler(func(p any) {
			c.reportError(fmt.Errorf("image callback panicked: %v", p))
		}))
		if err != nil {
			return nil, err
		}
	}
	c.lastKeepalive = c.now()
	return c, nil
}

func (c *conductor) reportError(err error) {
	if c.cfg.ErrorHandler != nil {
		c.cfg.ErrorHandler(err)
		return
	}
	logger.Internal.Errorf("client %d: %v", c.proxy.clientId, err)
}

// checkLiveness reports the driver gone when it stopped reading commands for
// longer than the driver timeout or its process no longer exists.
func (c *conductor) checkLiveness(now time.Time) error {
	if idle := now.Sub(c.proxy.consumerHeartbeat()); idle > c.cfg.DriverTimeout {
		return fmt.Errorf("%w: no heartbeat for %v", ErrDriverTimeout, idle.Truncate(time.Millisecond))
	}
	if c.driverPid > 0 {
		exists, err := process.PidExists(c.driverPid)
		if err != nil {
			logger.Internal.Debugf("driver pid %d check: %v", c.driverPid, err)
		} else if !exists {
			return fmt.Errorf("%w: driver process %d is gone", ErrDriverTimeout, c.driverPid)
		}
	}
	return nil
}

func (c *conductor) doWork() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service()
}

// service runs one duty cycle. c.mu must be held.
func (c *conductor) service() (int, error) {
	if c.closed {
		return 0, ErrClientClosed
	}
	if c.terminal != nil {
		return 0, c.terminal
	}

	work := 0
	for {
		n, err := c.receiver.Receive(c.onMessage)
		if err != nil {
			if errors.Is(err, broadcast.ErrLapped) {
				c.metrics.BroadcastLaps.Inc()
			}
			c.reportError(fmt.Errorf("broadcast receive: %w", err))
			continue
		}
		if n == 0 {
			break
		}
		work += n
		if c.terminal != nil {
			return work, c.terminal
		}
	}
	if laps := c.receiver.LappedCount(); laps != c.lastLapCount {
		c.metrics.BroadcastLaps.Add(float64(laps - c.lastLapCount))
		c.reportError(fmt.Errorf("%w: %d messages may have been missed", broadcast.ErrLapped, laps-c.lastLapCount))
		c.lastLapCount = laps
	}

	now := c.now()
	if now.Sub(c.lastKeepalive) >= c.cfg.KeepaliveInterval {
		if err := c.checkLiveness(now); err != nil {
			c.terminate(err)
			return work, err
		}
		if err := c.proxy.sendKeepalive(); err != nil {
			c.reportError(fmt.Errorf("keepalive: %w", err))
		}
		c.lastKeepalive = now
		work++
	}
	work += c.releaseLingering(now, false)
	return work, nil
}

func (c *conductor) onMessage(msgTypeId int32, buf *buffer.AtomicBuffer, offset, length int32) {
	payload := buf.BytesAt(offset, length)
	if logger.Protocol.Enabled(logger.LevelTrace) {
		logger.Protocol.Tracef("client %d <- %s (%d bytes)", c.proxy.clientId, command.TypeName(msgTypeId), length)
	}
	var err error
	switch msgTypeId {
	case command.OnPublicationReady, command.OnExclusivePublicationReady:
		var msg command.PublicationBuffersReady
		if err = msg.Decode(payload); err == nil {
			c.onPublicationReady(&msg)
		}
	case command.OnSubscriptionReady:
		var msg command.SubscriptionReady
		if err = msg.Decode(payload); err == nil {
			c.onSubscriptionReady(&msg)
		}
	case command.OnAvailableImage:
		var msg command.ImageBuffersReady
		if err = msg.Decode(payload); err == nil {
			c.onAvailableImage(&msg)
		}
	case command.OnUnavailableImage:
		var msg command.ImageMessage
		if err = msg.Decode(payload); err == nil {
			c.onUnavailableImage(&msg)
		}
	case command.OnOperationSuccess:
		var msg command.OperationSucceeded
		if err = msg.Decode(payload); err == nil {
			if p := c.pending[msg.CorrelationId]; p != nil {
				p.done = true
			}
		}
	case command.OnError:
		var msg command.ErrorResponse
		if err = msg.Decode(payload); err == nil {
			c.onError(&msg)
		}
	case command.OnClientTimeout:
		var msg command.ClientTimeout
		if err = msg.Decode(payload); err == nil && msg.ClientId == c.proxy.clientId {
			c.terminate(ErrClientTimeout)
		}
	default:
		logger.Internal.Debugf("ignoring broadcast message type %#x", msgTypeId)
	}
	if err != nil {
		c.reportError(fmt.Errorf("decode %s: %w", command.TypeName(msgTypeId), err))
	}
}

func (c *conductor) logPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.cfg.Dir, name)
}

func (c *conductor) onPublicationReady(msg *command.PublicationBuffersReady) {
	p := c.pending[msg.CorrelationId]
	if p == nil || p.done {
		return
	}
	p.done = true
	log, err := logbuffer.Open(context.Background(), c.logPath(msg.LogFileName))
	if err != nil {
		p.err = err
		return
	}
	limit, err := counters.NewPosition(c.counterValues, msg.PublicationLimitCounterId)
	if err != nil {
		_ = log.Close()
		p.err = err
		return
	}
	pub := newPublication(c, log, limit, p.channel, msg.CorrelationId, msg.RegistrationId, msg.StreamId, msg.SessionId, p.exclusive)
	c.resources.Set(msg.CorrelationId, resource{publication: pub})
	p.publication = pub
}

func (c *conductor) onSubscriptionReady(msg *command.SubscriptionReady) {
	p := c.pending[msg.CorrelationId]
	if p == nil || p.done {
		return
	}
	p.done = true
	sub := newSubscription(c, p.channel, p.streamId, msg.CorrelationId,
		fragment.WithInitialBufferLength(c.cfg.FragmentBufferLength),
		fragment.WithAbandonPolicy(c.cfg.AbandonPolicy),
		fragment.WithAbandonedHook(func(int32) { c.metrics.AbandonedMessages.Inc() }))
	c.resources.Set(msg.CorrelationId, resource{subscription: sub})
	p.subscription = sub
}

func (c *conductor) onAvailableImage(msg *command.ImageBuffersReady) {
	r, ok := c.resources.Get(msg.SubscriptionRegistrationId)
	if !ok || r.subscription == nil || r.subscription.IsClosed() {
		return
	}
	sub := r.subscription
	if sub.ImageBySessionId(msg.SessionId) != nil {
		return
	}
	log, err := logbuffer.Open(context.Background(), c.logPath(msg.LogFileName))
	if err != nil {
		c.reportError(fmt.Errorf("image session %d: %w", msg.SessionId, err))
		return
	}
	position, err := counters.NewPosition(c.counterValues, msg.SubscriberPositionId)
	if err != nil {
		_ = log.Close()
		c.reportError(fmt.Errorf("image session %d: %w", msg.SessionId, err))
		return
	}
	img := newImage(log, position, msg.CorrelationId, msg.SubscriptionRegistrationId, msg.SessionId, msg.StreamId, msg.SourceIdentity)
	sub.addImage(img)
	c.metrics.Images.Inc()
	logger.Internal.Debugf("image %d available on %s stream %d", msg.SessionId, sub.channel, sub.streamId)
	c.dispatch(c.cfg.OnAvailableImage, img)
}

func (c *conductor) onUnavailableImage(msg *command.ImageMessage) {
	r, ok := c.resources.Get(msg.SubscriptionRegistrationId)
	if !ok || r.subscription == nil {
		return
	}
	img := r.subscription.removeImage(msg.CorrelationId)
	if img == nil {
		return
	}
	c.metrics.Images.Dec()
	c.linger(img.log)
	c.dispatch(c.cfg.OnUnavailableImage, img)
}

func (c *conductor) onError(msg *command.ErrorResponse) {
	err := &RegistrationError{CorrelationId: msg.OffendingCorrelationId, Code: msg.ErrorCode, Message: msg.Message}
	c.metrics.RegistrationErrors.Inc()
	if p := c.pending[msg.OffendingCorrelationId]; p != nil {
		p.done = true
		p.err = err
		return
	}
	c.reportError(err)
}

// dispatch runs an image callback inline, or on the pool when one is set.
func (c *conductor) dispatch(fn func(*Image), img *Image) {
	if fn == nil {
		return
	}
	if c.pool != nil {
		if err := c.pool.Submit(func() { fn(img) }); err == nil {
			return
		}
	}
	defer func() {
		if p := recover(); p != nil {
			c.reportError(fmt.Errorf("image callback panicked: %v", p))
		}
	}()
	fn(img)
}

func (c *conductor) linger(log *logbuffer.LogBuffers) {
	if err := c.lingering.Put(lingeringLog{log: log, deadline: c.now().Add(c.cfg.ResourceLinger)}); err != nil {
		// the queue is only disposed on close, after every log was released
		c.closeLog(log)
	}
}

func (c *conductor) closeLog(log *logbuffer.LogBuffers) {
	if err := log.Close(); err != nil {
		logger.Internal.Warnf("unmap %s: %v", log.Path(), err)
	}
}

// releaseLingering unmaps lingering logs whose deadline passed, or all of
// them when force is set.
func (c *conductor) releaseLingering(now time.Time, force bool) int {
	n := c.lingering.Len()
	if n == 0 {
		return 0
	}
	items, err := c.lingering.Get(n)
	if err != nil {
		return 0
	}
	released := 0
	var keep []interface{}
	for _, it := range items {
		l := it.(lingeringLog)
		if force || !now.Before(l.deadline) {
			c.closeLog(l.log)
			released++
			continue
		}
		keep = append(keep, l)
	}
	if len(keep) > 0 {
		_ = c.lingering.Put(keep...)
	}
	return released
}

// terminate revokes every resource after the driver went away or dropped
// this client. c.mu must be held.
func (c *conductor) terminate(err error) {
	if c.terminal != nil {
		return
	}
	c.terminal = err
	logger.Internal.Errorf("client %d terminated: %v", c.proxy.clientId, err)
	c.revokeAll()
	for _, p := range c.pending {
		p.done = true
		p.err = err
	}
	c.reportError(err)
}

// revokeAll marks every resource unusable and queues its logs for release.
func (c *conductor) revokeAll() {
	for id, r := range c.resources.Items() {
		c.resources.Remove(id)
		if r.publication != nil {
			r.publication.revoke()
			c.linger(r.publication.log)
		}
		if r.subscription != nil {
			images, _ := r.subscription.revoke()
			for _, img := range images {
				c.metrics.Images.Dec()
				c.linger(img.log)
			}
		}
	}
}

// register sends a command under the lock and waits for its response.
func (c *conductor) register(ctx context.Context, kind string, p *pendingRegistration,
	send func() (int64, error)) (*pendingRegistration, error) {
	ctx, span := c.tracer.Start(ctx, "shmbus.client."+kind, trace.WithAttributes(
		attribute.String("shmbus.channel", p.channel),
		attribute.Int("shmbus.stream_id", int(p.streamId)),
	))
	defer span.End()

	result, err := c.sendAndAwait(ctx, p, send)
	c.registrations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("ok", err == nil),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (c *conductor) sendAndAwait(ctx context.Context, p *pendingRegistration, send func() (int64, error)) (*pendingRegistration, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.terminal != nil {
		c.mu.Unlock()
		return nil, c.terminal
	}
	correlationId, err := send()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending[correlationId] = p
	c.mu.Unlock()
	return c.await(ctx, correlationId)
}

// await services the conductor with exponential backoff until the driver
// answers correlationId, the driver timeout passes or ctx is done.
func (c *conductor) await(ctx context.Context, correlationId int64) (*pendingRegistration, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = awaitInitialInterval
	b.MaxInterval = awaitMaxInterval
	b.MaxElapsedTime = c.cfg.DriverTimeout

	op := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, err := c.service(); err != nil {
			return backoff.Permanent(err)
		}
		p := c.pending[correlationId]
		if p == nil || !p.done {
			return errAwaiting
		}
		if p.err != nil {
			return backoff.Permanent(p.err)
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))

	c.mu.Lock()
	p := c.pending[correlationId]
	delete(c.pending, correlationId)
	c.mu.Unlock()

	if p != nil && p.done && p.err == nil {
		return p, nil
	}
	if errors.Is(err, errAwaiting) {
		return nil, fmt.Errorf("%w: no response to correlation %d within %v", ErrDriverTimeout, correlationId, c.cfg.DriverTimeout)
	}
	return nil, err
}

func (c *conductor) addPublication(ctx context.Context, channel string, streamId int32, exclusive bool) (*Publication, error) {
	kind := "add_publication"
	if exclusive {
		kind = "add_exclusive_publication"
	}
	p := &pendingRegistration{channel: channel, streamId: streamId, exclusive: exclusive}
	result, err := c.register(ctx, kind, p, func() (int64, error) {
		return c.proxy.addPublication(channel, streamId, exclusive)
	})
	if err != nil {
		return nil, err
	}
	return result.publication, nil
}

func (c *conductor) addSubscription(ctx context.Context, channel string, streamId int32) (*Subscription, error) {
	p := &pendingRegistration{channel: channel, streamId: streamId}
	result, err := c.register(ctx, "add_subscription", p, func() (int64, error) {
		return c.proxy.addSubscription(channel, streamId)
	})
	if err != nil {
		return nil, err
	}
	return result.subscription, nil
}

func (c *conductor) releasePublication(pub *Publication) error {
	c.mu.Lock()
	if !pub.revoke() {
		c.mu.Unlock()
		return nil
	}
	c.resources.Remove(pub.correlationId)
	c.linger(pub.log)
	c.mu.Unlock()

	p := &pendingRegistration{channel: pub.channel, streamId: pub.streamId}
	_, err := c.register(context.Background(), "remove_publication", p, func() (int64, error) {
		return c.proxy.removePublication(pub.registrationId)
	})
	return ignoreGone(err)
}

func (c *conductor) releaseSubscription(sub *Subscription) error {
	c.mu.Lock()
	images, ok := sub.revoke()
	if !ok {
		c.mu.Unlock()
		return nil
	}
	c.resources.Remove(sub.registrationId)
	for _, img := range images {
		c.metrics.Images.Dec()
		c.linger(img.log)
	}
	c.mu.Unlock()
	sub.assembler.Close()

	p := &pendingRegistration{channel: sub.channel, streamId: sub.streamId}
	_, err := c.register(context.Background(), "remove_subscription", p, func() (int64, error) {
		return c.proxy.removeSubscription(sub.registrationId)
	})
	return ignoreGone(err)
}

// ignoreGone drops the errors of a client that can no longer talk to the
// driver: its resources are already revoked.
func ignoreGone(err error) error {
	if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrDriverTimeout) || errors.Is(err, ErrClientTimeout) {
		return nil
	}
	return err
}

func (c *conductor) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	var errs []error
	if c.terminal == nil {
		if err := c.proxy.sendClientClose(); err != nil {
			errs = append(errs, fmt.Errorf("client close: %w", err))
		}
	}
	c.closed = true
	c.revokeAll()
	c.mu.Unlock()

	// offers and polls that passed their closed check before the revoke
	// still touch the logs until they return
	if c.cfg.CloseLinger > 0 {
		time.Sleep(c.cfg.CloseLinger)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLingering(c.now(), true)
	c.lingering.Dispose()
	if c.pool != nil {
		c.pool.Release()
	}
	if err := c.cnc.Close(); err != nil {
		errs = append(errs, err)
	}
	logger.Internal.Debugf("client %d closed", c.proxy.clientId)
	return errors.Join(errs...)
}
