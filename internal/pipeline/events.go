// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package pipeline connects the medallion stages with Watermill messaging.
// Stages communicate through events, never direct calls, so a single binary
// with in-process Pub/Sub and a multi-node NATS deployment run the same
// code.
package pipeline

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Topics. The poison topic is configurable; these are fixed.
const (
	TopicPlaylistIngested      = "playlists.ingested"
	TopicPlaylistCanonicalized = "playlists.canonicalized"
	TopicTransitionsUpdated    = "transitions.updated"
)

// PlaylistIngested fires after a bronze write commits.
type PlaylistIngested struct {
	BronzePlaylistID uuid.UUID `json:"bronze_playlist_id"`
	SourceName       string    `json:"source_name"`
	Enrich           bool      `json:"enrich"`
}

// PlaylistCanonicalized fires after the silver stage commits.
type PlaylistCanonicalized struct {
	CanonicalPlaylistID uuid.UUID `json:"canonical_playlist_id"`
}

// TransitionsUpdated fires after the gold stage folds a playlist in. The
// operational stage rebuilds the projection on receipt.
type TransitionsUpdated struct {
	CanonicalPlaylistID uuid.UUID `json:"canonical_playlist_id"`
	PairCount           int       `json:"pair_count"`
}

// NewMessage marshals an event into a Watermill message with a fresh UUID.
func NewMessage(event any) (*message.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event %T: %w", event, err)
	}
	return message.NewMessage(watermill.NewUUID(), payload), nil
}

// Decode unmarshals a message payload into the target event.
func Decode(msg *message.Message, target any) error {
	if err := json.Unmarshal(msg.Payload, target); err != nil {
		return fmt.Errorf("decode %T from message %s: %w", target, msg.UUID, err)
	}
	return nil
}
