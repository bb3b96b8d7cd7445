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

package adapter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/shmbus/api"
)

// RegisterPublicationGauges reports the position and limit of each open
// publication on every collection.
func RegisterPublicationGauges(meter metric.Meter, pubs ...api.Publisher) (metric.Registration, error) {
	position, err := meter.Int64ObservableGauge("shmbus.publication.position",
		metric.WithDescription("Stream position after the last claimed frame."), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	limit, err := meter.Int64ObservableGauge("shmbus.publication.limit",
		metric.WithDescription("Position the driver lets the publication reach."), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, p := range pubs {
			if p.IsClosed() {
				continue
			}
			attrs := metric.WithAttributes(
				attribute.String("channel", p.Channel()),
				attribute.Int("stream_id", int(p.StreamId())),
				attribute.Int("session_id", int(p.SessionId())),
			)
			o.ObserveInt64(position, p.Position(), attrs)
			o.ObserveInt64(limit, p.PositionLimit(), attrs)
		}
		return nil
	}, position, limit)
}

// RegisterSubscriptionGauges reports the consumed position of every image
// of each subscription.
func RegisterSubscriptionGauges(meter metric.Meter, subs ...api.Subscriber) (metric.Registration, error) {
	position, err := meter.Int64ObservableGauge("shmbus.image.position",
		metric.WithDescription("Stream position consumed by the subscriber."), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	images, err := meter.Int64ObservableGauge("shmbus.subscription.images",
		metric.WithDescription("Images available to the subscription."))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range subs {
			if s.IsClosed() {
				continue
			}
			subAttrs := []attribute.KeyValue{
				attribute.String("channel", s.Channel()),
				attribute.Int("stream_id", int(s.StreamId())),
			}
			var count int64
			s.ForEachImage(func(img api.ImageView) {
				count++
				attrs := append(subAttrs[:len(subAttrs):len(subAttrs)],
					attribute.Int("session_id", int(img.SessionId())),
					attribute.String("source", img.SourceIdentity()))
				o.ObserveInt64(position, img.Position(), metric.WithAttributes(attrs...))
			})
			o.ObserveInt64(images, count, metric.WithAttributes(subAttrs...))
		}
		return nil
	}, position, images)
}
