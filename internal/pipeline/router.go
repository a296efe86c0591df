// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/gold"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
	"github.com/tomtom215/segue/internal/operational"
	"github.com/tomtom215/segue/internal/silver"
)

// Router wires the medallion stages onto the message transport.
type Router struct {
	router *message.Router
	pubsub *PubSub

	canon *silver.Canonicalizer
	agg   *gold.Aggregator
	mat   *operational.Materializer
	db    *database.DB
}

// NewRouter builds the Watermill router with the full middleware stack and
// registers the three stage handlers plus the DLQ persister.
func NewRouter(
	cfg config.NATSConfig,
	pubsub *PubSub,
	canon *silver.Canonicalizer,
	agg *gold.Aggregator,
	mat *operational.Materializer,
	db *database.DB,
	logger watermill.LoggerAdapter,
) (*Router, error) {
	wmRouter, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.RouterCloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	// Middleware, outer to inner: panic recovery, retry with backoff,
	// poison queue for messages that exhaust their retries.
	wmRouter.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RouterRetryCount,
		InitialInterval: cfg.RouterRetryInitialInterval,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)
	if cfg.PoisonQueueTopic != "" {
		poison, err := middleware.PoisonQueue(pubsub.Publisher, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	r := &Router{
		router: wmRouter,
		pubsub: pubsub,
		canon:  canon,
		agg:    agg,
		mat:    mat,
		db:     db,
	}

	wmRouter.AddHandler(
		"silver-canonicalizer",
		TopicPlaylistIngested,
		pubsub.Subscriber,
		TopicPlaylistCanonicalized,
		pubsub.Publisher,
		r.handleIngested,
	)
	wmRouter.AddHandler(
		"gold-aggregator",
		TopicPlaylistCanonicalized,
		pubsub.Subscriber,
		TopicTransitionsUpdated,
		pubsub.Publisher,
		r.handleCanonicalized,
	)
	wmRouter.AddNoPublisherHandler(
		"operational-materializer",
		TopicTransitionsUpdated,
		pubsub.Subscriber,
		r.handleTransitionsUpdated,
	)
	if cfg.PoisonQueueTopic != "" {
		wmRouter.AddNoPublisherHandler(
			"dlq-persister",
			cfg.PoisonQueueTopic,
			pubsub.Subscriber,
			r.handlePoison,
		)
	}
	return r, nil
}

// Run blocks until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel closed once the router is running, used by
// tests and startup ordering.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Close shuts the router down.
func (r *Router) Close() error {
	return r.router.Close()
}

// handleIngested runs the silver stage for one bronze playlist.
func (r *Router) handleIngested(msg *message.Message) ([]*message.Message, error) {
	var event PlaylistIngested
	if err := Decode(msg, &event); err != nil {
		// Undecodable messages are poison, not transient.
		return nil, err
	}

	start := time.Now()
	err := r.canon.Process(msg.Context(), event.BronzePlaylistID, event.Enrich)
	metrics.RecordStage("silver", time.Since(start))
	if err != nil {
		metrics.PipelineMessagesTotal.WithLabelValues(TopicPlaylistIngested, "failed").Inc()
		return nil, err
	}
	metrics.PipelineMessagesTotal.WithLabelValues(TopicPlaylistIngested, "processed").Inc()

	canonicalID, err := r.canonicalIDOf(msg.Context(), event.BronzePlaylistID)
	if err != nil {
		return nil, err
	}
	next, err := NewMessage(PlaylistCanonicalized{CanonicalPlaylistID: canonicalID})
	if err != nil {
		return nil, err
	}
	next.SetContext(msg.Context())
	return []*message.Message{next}, nil
}

func (r *Router) canonicalIDOf(ctx context.Context, bronzeID uuid.UUID) (uuid.UUID, error) {
	var raw string
	err := r.db.QueryRow(ctx, "select", "silver_canonical_playlist",
		`SELECT id FROM silver_canonical_playlist WHERE bronze_playlist_id = ?`,
		bronzeID.String()).Scan(&raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup canonical playlist for %s: %w", bronzeID, err)
	}
	return uuid.MustParse(raw), nil
}

// handleCanonicalized runs the gold stage.
func (r *Router) handleCanonicalized(msg *message.Message) ([]*message.Message, error) {
	var event PlaylistCanonicalized
	if err := Decode(msg, &event); err != nil {
		return nil, err
	}

	start := time.Now()
	pairs, err := r.agg.ProcessPlaylist(msg.Context(), event.CanonicalPlaylistID)
	metrics.RecordStage("gold", time.Since(start))
	if err != nil {
		metrics.PipelineMessagesTotal.WithLabelValues(TopicPlaylistCanonicalized, "failed").Inc()
		return nil, err
	}
	metrics.PipelineMessagesTotal.WithLabelValues(TopicPlaylistCanonicalized, "processed").Inc()

	next, err := NewMessage(TransitionsUpdated{
		CanonicalPlaylistID: event.CanonicalPlaylistID,
		PairCount:           pairs,
	})
	if err != nil {
		return nil, err
	}
	next.SetContext(msg.Context())
	return []*message.Message{next}, nil
}

// handleTransitionsUpdated runs the operational stage.
func (r *Router) handleTransitionsUpdated(msg *message.Message) error {
	var event TransitionsUpdated
	if err := Decode(msg, &event); err != nil {
		return err
	}

	start := time.Now()
	_, _, err := r.mat.Materialize(msg.Context())
	metrics.RecordStage("operational", time.Since(start))
	if err != nil {
		metrics.PipelineMessagesTotal.WithLabelValues(TopicTransitionsUpdated, "failed").Inc()
		return err
	}
	metrics.PipelineMessagesTotal.WithLabelValues(TopicTransitionsUpdated, "processed").Inc()
	return nil
}

// handlePoison persists poisoned messages for inspection. Persistence
// failures drop the message rather than loop it through the DLQ again.
func (r *Router) handlePoison(msg *message.Message) error {
	reason := msg.Metadata.Get(middleware.ReasonForPoisonedKey)
	topic := msg.Metadata.Get(middleware.PoisonedTopicKey)

	_, err := r.db.Exec(msg.Context(), "insert", "pipeline_dlq", `
		INSERT INTO pipeline_dlq (id, topic, message_id, payload, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), topic, msg.UUID, []byte(msg.Payload), reason,
		time.Now().UTC())
	if err != nil {
		logging.Error().Err(err).Str("message_id", msg.UUID).Msg("failed to persist DLQ entry")
		return nil
	}
	metrics.DLQMessagesAdded.Inc()
	metrics.PipelineMessagesTotal.WithLabelValues(topic, "poisoned").Inc()
	logging.Warn().
		Str("topic", topic).
		Str("message_id", msg.UUID).
		Str("reason", reason).
		Msg("message moved to dead letter queue")
	return nil
}

// PublishIngested announces a fresh bronze playlist to the pipeline.
func (r *Router) PublishIngested(ctx context.Context, event PlaylistIngested) error {
	msg, err := NewMessage(event)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	return r.pubsub.Publisher.Publish(TopicPlaylistIngested, msg)
}
