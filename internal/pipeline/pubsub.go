// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package pipeline

import (
	"context"
	"fmt"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/logging"
)

// PubSub bundles the publisher/subscriber pair plus the optional embedded
// NATS server lifecycle.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	embedded *server.Server
}

// NewPubSub builds the transport. With NATS disabled the pipeline runs on
// in-process gochannel Pub/Sub, which is the single-binary default; with
// NATS enabled it speaks JetStream, optionally against an embedded server.
func NewPubSub(cfg config.NATSConfig, logger watermill.LoggerAdapter) (*PubSub, error) {
	if !cfg.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          false,
		}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch}, nil
	}
	return newNATSPubSub(cfg, logger)
}

func newNATSPubSub(cfg config.NATSConfig, logger watermill.LoggerAdapter) (*PubSub, error) {
	ps := &PubSub{}
	url := cfg.URL

	if cfg.EmbeddedServer {
		opts := &server.Options{
			ServerName:         "segue-pipeline",
			JetStream:          true,
			StoreDir:           cfg.StoreDir,
			JetStreamMaxMemory: cfg.MaxMemory,
			JetStreamMaxStore:  cfg.MaxStore,
			MaxPayload:         8 * 1024 * 1024,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}
		ns.ConfigureLogger()
		go ns.Start()
		if !ns.ReadyForConnections(30 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready within timeout")
		}
		ps.embedded = ns
		url = ns.ClientURL()
		logging.Info().Str("url", url).Msg("embedded NATS server started")
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	jsConfig := wmNats.JetStreamConfig{
		Disabled:      false,
		AutoProvision: true,
		TrackMsgId:    true,
		PublishOptions: []natsgo.PubOpt{
			natsgo.RetryAttempts(3),
			natsgo.RetryWait(100 * time.Millisecond),
		},
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   jsConfig,
	}, logger)
	if err != nil {
		ps.shutdownEmbedded()
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   jsConfig,
	}, logger)
	if err != nil {
		_ = pub.Close()
		ps.shutdownEmbedded()
		return nil, fmt.Errorf("create NATS subscriber: %w", err)
	}

	ps.Publisher = pub
	ps.Subscriber = sub
	return ps, nil
}

// Close shuts down publisher, subscriber, and the embedded server if any.
// The gochannel transport serves both roles from one instance; closing the
// publisher closes it entirely.
func (ps *PubSub) Close(ctx context.Context) error {
	var firstErr error
	if ps.Publisher != nil {
		if err := ps.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if ps.Subscriber != nil && any(ps.Subscriber) != any(ps.Publisher) {
		if err := ps.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ps.shutdownEmbedded()
	return firstErr
}

func (ps *PubSub) shutdownEmbedded() {
	if ps.embedded != nil {
		ps.embedded.Shutdown()
		ps.embedded.WaitForShutdown()
		ps.embedded = nil
	}
}
