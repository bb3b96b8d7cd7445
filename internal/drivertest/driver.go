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

// Package drivertest runs an in-process media driver for tests. It creates
// the cnc file and log buffers, answers client commands and moves publication
// limits forward as subscribers consume.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/srediag/shmbus/internal/cnc"
	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/broadcast"
	"github.com/srediag/shmbus/pkg/buffer"
	"github.com/srediag/shmbus/pkg/command"
	"github.com/srediag/shmbus/pkg/counters"
	"github.com/srediag/shmbus/pkg/logbuffer"
	"github.com/srediag/shmbus/pkg/ringbuffer"
)

// ChannelPrefix is the only channel scheme the driver accepts.
const ChannelPrefix = "shm:"

const (
	toDriverCapacity  = 64 * 1024
	toClientsCapacity = 64 * 1024
	counterValues     = 256 * counters.CounterLength
	commandLimit      = 16
)

// Options tune the driver. Zero values pick the defaults.
type Options struct {
	TermLength            int32
	MtuLength             int32
	ClientLivenessTimeout time.Duration
	// PublicationWindow is how far a publisher may run ahead of its slowest
	// subscriber. At most half a term.
	PublicationWindow int64
	DutyCycle         time.Duration
}

func (o *Options) setDefaults() {
	if o.TermLength == 0 {
		o.TermLength = logbuffer.TermMinLength
	}
	if o.MtuLength == 0 {
		o.MtuLength = 1408
	}
	if o.ClientLivenessTimeout == 0 {
		o.ClientLivenessTimeout = 5 * time.Second
	}
	if o.PublicationWindow == 0 || o.PublicationWindow > int64(o.TermLength/2) {
		o.PublicationWindow = int64(o.TermLength / 2)
	}
	if o.DutyCycle == 0 {
		o.DutyCycle = time.Millisecond
	}
}

type image struct {
	correlationId int64
	subscription  *subscription
	position      *counters.Position
}

type publication struct {
	registrationId int64
	clientId       int64
	channel        string
	streamId       int32
	sessionId      int32
	log            *logbuffer.LogBuffers
	limit          *counters.Position
	images         []*image
}

type subscription struct {
	registrationId int64
	clientId       int64
	channel        string
	streamId       int32
}

// Driver is a running fake driver.
type Driver struct {
	dir  string
	opts Options

	mu            sync.Mutex
	cnc           *cnc.File
	ring          *ringbuffer.ManyToOne
	tx            *broadcast.Transmitter
	counters      *counters.Allocator
	publications  map[int64]*publication
	subscriptions map[int64]*subscription
	clients       map[int64]time.Time
	nextSessionId int32
	nextImageId   int64
	paused        bool

	stop chan struct{}
	done chan struct{}
}

// Start creates the cnc file in dir and starts the duty cycle.
func Start(ctx context.Context, dir string, opts Options) (*Driver, error) {
	opts.setDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := cnc.Create(ctx, dir, cnc.Params{
		ToDriverLength:        toDriverCapacity + ringbuffer.TrailerLength,
		ToClientsLength:       toClientsCapacity + broadcast.TrailerLength,
		CounterValuesLength:   counterValues,
		ClientLivenessTimeout: opts.ClientLivenessTimeout,
		StartTimestamp:        time.Now(),
		DriverPid:             int64(os.Getpid()),
	})
	if err != nil {
		return nil, err
	}
	ring, err := ringbuffer.New(file.ToDriver())
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	tx, err := broadcast.NewTransmitter(file.ToClients())
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	d := &Driver{
		dir:           dir,
		opts:          opts,
		cnc:           file,
		ring:          ring,
		tx:            tx,
		counters:      counters.NewAllocator(file.CounterValues()),
		publications:  make(map[int64]*publication),
		subscriptions: make(map[int64]*subscription),
		clients:       make(map[int64]time.Time),
		nextSessionId: 1000,
		nextImageId:   1 << 40,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	ring.SetConsumerHeartbeatTime(time.Now().UnixMilli())
	go d.run()
	return d, nil
}

// Dir returns the driver directory.
func (d *Driver) Dir() string { return d.dir }

func (d *Driver) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.opts.DutyCycle)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.doWork(time.Now())
		}
	}
}

func (d *Driver) doWork(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return
	}
	d.ring.SetConsumerHeartbeatTime(now.UnixMilli())
	d.ring.Read(func(msgTypeId int32, buf *buffer.AtomicBuffer, offset, length int32) {
		if err := d.onCommand(now, msgTypeId, buf.BytesAt(offset, length)); err != nil {
			logger.Internal.Warnf("driver: %s: %v", command.TypeName(msgTypeId), err)
		}
	}, commandLimit)
	for _, pub := range d.publications {
		d.updateLimit(pub)
	}
	for clientId, seen := range d.clients {
		if now.Sub(seen) > d.opts.ClientLivenessTimeout {
			d.timeoutClient(clientId)
		}
	}
}

// PauseHeartbeat stops the driver reading commands and updating its
// heartbeat, as a hung driver would.
func (d *Driver) PauseHeartbeat(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
}

// TimeoutClient drops a client as if its keepalives stopped.
func (d *Driver) TimeoutClient(clientId int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeoutClient(clientId)
}

// PublicationCount returns the live publications.
func (d *Driver) PublicationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.publications)
}

// SubscriptionCount returns the live subscriptions.
func (d *Driver) SubscriptionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscriptions)
}

// Close stops the duty cycle and unmaps everything. Files stay in Dir.
func (d *Driver) Close() error {
	close(d.stop)
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for id, pub := range d.publications {
		errs = append(errs, pub.log.Close())
		delete(d.publications, id)
	}
	errs = append(errs, d.cnc.Close())
	return errors.Join(errs...)
}

func (d *Driver) onCommand(now time.Time, msgTypeId int32, payload []byte) error {
	switch msgTypeId {
	case command.AddPublication, command.AddExclusivePublication:
		var msg command.PublicationMessage
		if err := msg.Decode(payload); err != nil {
			return err
		}
		d.clients[msg.ClientId] = now
		return d.addPublication(&msg, msgTypeId == command.AddExclusivePublication)
	case command.AddSubscription:
		var msg command.SubscriptionMessage
		if err := msg.Decode(payload); err != nil {
			return err
		}
		d.clients[msg.ClientId] = now
		return d.addSubscription(&msg)
	case command.RemovePublication, command.RemoveSubscription:
		var msg command.RemoveMessage
		if err := msg.Decode(payload); err != nil {
			return err
		}
		d.clients[msg.ClientId] = now
		if msgTypeId == command.RemovePublication {
			return d.removePublication(&msg)
		}
		return d.removeSubscription(&msg)
	case command.ClientKeepalive:
		var msg command.CorrelatedMessage
		if err := msg.Decode(payload); err != nil {
			return err
		}
		d.clients[msg.ClientId] = now
	case command.ClientClose:
		var msg command.CorrelatedMessage
		if err := msg.Decode(payload); err != nil {
			return err
		}
		d.dropClient(msg.ClientId)
	default:
		return fmt.Errorf("unknown command %#x", msgTypeId)
	}
	return nil
}

func (d *Driver) transmit(msgTypeId int32, msg interface{ AppendTo([]byte) []byte }) {
	if err := d.tx.Transmit(msgTypeId, msg.AppendTo(nil)); err != nil {
		logger.Internal.Errorf("driver: transmit %s: %v", command.TypeName(msgTypeId), err)
	}
}

func (d *Driver) sendError(correlationId int64, code int32, format string, args ...any) error {
	msg := &command.ErrorResponse{OffendingCorrelationId: correlationId, ErrorCode: code, Message: fmt.Sprintf(format, args...)}
	d.transmit(command.OnError, msg)
	return errors.New(msg.Message)
}

func (d *Driver) addPublication(msg *command.PublicationMessage, exclusive bool) error {
	if !strings.HasPrefix(msg.Channel, ChannelPrefix) {
		return d.sendError(msg.CorrelationId, command.ErrorCodeInvalidChannel, "unsupported channel %q", msg.Channel)
	}
	limit, err := d.counters.Allocate()
	if err != nil {
		return d.sendError(msg.CorrelationId, command.ErrorCodeResourceLimited, "publication limit: %v", err)
	}
	sessionId := d.nextSessionId
	d.nextSessionId++
	path := filepath.Join(d.dir, fmt.Sprintf("%d.logbuffer", msg.CorrelationId))
	log, err := logbuffer.Create(context.Background(), path, logbuffer.LogParams{
		TermLength:    d.opts.TermLength,
		PageSize:      logbuffer.PageMinSize,
		MtuLength:     d.opts.MtuLength,
		InitialTermId: sessionId * 7,
		SessionId:     sessionId,
		StreamId:      msg.StreamId,
		CorrelationId: msg.CorrelationId,
	})
	if err != nil {
		d.counters.Free(limit.Id())
		return d.sendError(msg.CorrelationId, command.ErrorCodeGeneric, "create log: %v", err)
	}
	pub := &publication{
		registrationId: msg.CorrelationId,
		clientId:       msg.ClientId,
		channel:        msg.Channel,
		streamId:       msg.StreamId,
		sessionId:      sessionId,
		log:            log,
		limit:          limit,
	}
	d.publications[pub.registrationId] = pub

	readyType := command.OnPublicationReady
	if exclusive {
		readyType = command.OnExclusivePublicationReady
	}
	d.transmit(readyType, &command.PublicationBuffersReady{
		CorrelationId:             msg.CorrelationId,
		RegistrationId:            pub.registrationId,
		SessionId:                 sessionId,
		StreamId:                  msg.StreamId,
		PublicationLimitCounterId: limit.Id(),
		ChannelStatusId:           -1,
		LogFileName:               path,
	})
	for _, sub := range d.subscriptions {
		if sub.channel == pub.channel && sub.streamId == pub.streamId {
			d.link(pub, sub)
		}
	}
	return nil
}

func (d *Driver) addSubscription(msg *command.SubscriptionMessage) error {
	if !strings.HasPrefix(msg.Channel, ChannelPrefix) {
		return d.sendError(msg.CorrelationId, command.ErrorCodeInvalidChannel, "unsupported channel %q", msg.Channel)
	}
	sub := &subscription{
		registrationId: msg.CorrelationId,
		clientId:       msg.ClientId,
		channel:        msg.Channel,
		streamId:       msg.StreamId,
	}
	d.subscriptions[sub.registrationId] = sub
	d.transmit(command.OnSubscriptionReady, &command.SubscriptionReady{CorrelationId: msg.CorrelationId, ChannelStatusId: -1})
	for _, pub := range d.publications {
		if sub.channel == pub.channel && sub.streamId == pub.streamId {
			d.link(pub, sub)
		}
	}
	return nil
}

func (d *Driver) link(pub *publication, sub *subscription) {
	position, err := d.counters.Allocate()
	if err != nil {
		logger.Internal.Errorf("driver: subscriber position: %v", err)
		return
	}
	position.SetOrdered(producerPosition(pub.log))
	img := &image{correlationId: d.nextImageId, subscription: sub, position: position}
	d.nextImageId++
	pub.images = append(pub.images, img)
	d.transmit(command.OnAvailableImage, &command.ImageBuffersReady{
		CorrelationId:              img.correlationId,
		SessionId:                  pub.sessionId,
		StreamId:                   pub.streamId,
		SubscriptionRegistrationId: sub.registrationId,
		SubscriberPositionId:       position.Id(),
		LogFileName:                pub.log.Path(),
		SourceIdentity:             "drivertest",
	})
}

func (d *Driver) unlink(pub *publication, img *image) {
	d.transmit(command.OnUnavailableImage, &command.ImageMessage{
		CorrelationId:              img.correlationId,
		SubscriptionRegistrationId: img.subscription.registrationId,
		StreamId:                   pub.streamId,
		Channel:                    pub.channel,
	})
	d.counters.Free(img.position.Id())
}

func (d *Driver) removePublication(msg *command.RemoveMessage) error {
	pub, ok := d.publications[msg.RegistrationId]
	if !ok {
		return d.sendError(msg.CorrelationId, command.ErrorCodeUnknownPub, "unknown publication %d", msg.RegistrationId)
	}
	d.closePublication(pub)
	d.transmit(command.OnOperationSuccess, &command.OperationSucceeded{CorrelationId: msg.CorrelationId})
	return nil
}

func (d *Driver) closePublication(pub *publication) {
	for _, img := range pub.images {
		d.unlink(pub, img)
	}
	pub.images = nil
	d.counters.Free(pub.limit.Id())
	delete(d.publications, pub.registrationId)
	if err := pub.log.Close(); err != nil {
		logger.Internal.Warnf("driver: unmap %s: %v", pub.log.Path(), err)
	}
}

func (d *Driver) removeSubscription(msg *command.RemoveMessage) error {
	sub, ok := d.subscriptions[msg.RegistrationId]
	if !ok {
		return d.sendError(msg.CorrelationId, command.ErrorCodeUnknownSub, "unknown subscription %d", msg.RegistrationId)
	}
	d.closeSubscription(sub)
	d.transmit(command.OnOperationSuccess, &command.OperationSucceeded{CorrelationId: msg.CorrelationId})
	return nil
}

func (d *Driver) closeSubscription(sub *subscription) {
	for _, pub := range d.publications {
		kept := pub.images[:0]
		for _, img := range pub.images {
			if img.subscription == sub {
				d.unlink(pub, img)
				continue
			}
			kept = append(kept, img)
		}
		pub.images = kept
	}
	delete(d.subscriptions, sub.registrationId)
}

func (d *Driver) dropClient(clientId int64) {
	for _, pub := range d.publications {
		if pub.clientId == clientId {
			d.closePublication(pub)
		}
	}
	for _, sub := range d.subscriptions {
		if sub.clientId == clientId {
			d.closeSubscription(sub)
		}
	}
	delete(d.clients, clientId)
}

func (d *Driver) timeoutClient(clientId int64) {
	d.transmit(command.OnClientTimeout, &command.ClientTimeout{ClientId: clientId})
	d.dropClient(clientId)
}

func producerPosition(log *logbuffer.LogBuffers) int64 {
	meta := log.Meta()
	termCount := logbuffer.ActiveTermCount(meta)
	rawTail := logbuffer.RawTailVolatile(meta, logbuffer.IndexByTermCount(int64(termCount)))
	return logbuffer.ComputePosition(logbuffer.TermIdFromTail(rawTail),
		logbuffer.TermOffsetFromTail(rawTail, log.TermLength()), log.PositionBitsToShift(), log.InitialTermId())
}

// updateLimit cleans terms every subscriber has left behind and then lets
// the publisher run a window ahead of the slowest subscriber.
func (d *Driver) updateLimit(pub *publication) {
	meta := pub.log.Meta()
	logbuffer.SetIsConnected(meta, len(pub.images) > 0)
	if len(pub.images) == 0 {
		return
	}
	minPosition := pub.images[0].position.GetVolatile()
	for _, img := range pub.images[1:] {
		minPosition = min(minPosition, img.position.GetVolatile())
	}

	bits := pub.log.PositionBitsToShift()
	initialTermId := pub.log.InitialTermId()
	for i := 0; i < logbuffer.PartitionCount; i++ {
		if logbuffer.TermStatus(meta, i) != logbuffer.TermNeedsCleaning {
			continue
		}
		termId := logbuffer.TermIdFromTail(logbuffer.RawTailVolatile(meta, i))
		if minPosition >= logbuffer.ComputeTermBeginPosition(termId+1, bits, initialTermId) {
			logbuffer.CleanTerm(pub.log.Term(i), meta, i)
		}
	}
	pub.limit.ProposeMaxOrdered(minPosition + d.opts.PublicationWindow)
}
