// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package pipeline

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/tomtom215/segue/internal/logging"
)

// zerologAdapter bridges Watermill's LoggerAdapter onto the global zerolog
// logger, so router and transport logs land in the same stream as
// everything else.
type zerologAdapter struct {
	fields watermill.LogFields
}

// NewLoggerAdapter returns the Watermill logger used by all pipeline
// components.
func NewLoggerAdapter() watermill.LoggerAdapter {
	return &zerologAdapter{}
}

func (a *zerologAdapter) event(ev *zerolog.Event, msg string, err error, fields watermill.LogFields) {
	for k, v := range a.fields {
		ev = ev.Interface(k, v)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

func (a *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(logging.Error(), msg, err, fields)
}

func (a *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	// Watermill is chatty at info; keep transport noise at debug.
	a.event(logging.Debug(), msg, nil, fields)
}

func (a *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(logging.Debug(), msg, nil, fields)
}

func (a *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(logging.Trace(), msg, nil, fields)
}

func (a *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(a.fields)+len(fields))
	for k, v := range a.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &zerologAdapter{fields: merged}
}
