// Package audit records micro-events, session lifecycles and completions
// outside the frame loop.
//
// A Batch is everything one frame produced. The pipeline hands batches to a
// Dispatcher, which writes them to a Sink on its own goroutine so that a slow
// or failing store never delays frame processing. Store keeps batches in
// SQLite and answers the trace queries; AMQPSink publishes them to a broker.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/gatecheck/internal/decision"
	"github.com/banshee-data/gatecheck/internal/events"
	"github.com/banshee-data/gatecheck/internal/monitoring"
)

var log = monitoring.Component("audit")

// Batch is the audit output of one frame of one gate.
type Batch struct {
	GateID      string                `json:"gate_id"`
	Events      []events.MicroEvent   `json:"events,omitempty"`
	Sessions    []events.Session      `json:"sessions,omitempty"`
	Completions []decision.Completion `json:"completions,omitempty"`
}

// Empty reports whether the batch carries nothing to record.
func (b Batch) Empty() bool {
	return len(b.Events) == 0 && len(b.Sessions) == 0 && len(b.Completions) == 0
}

// Sink durably records batches.
type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) error
	Close() error
}

// MultiSink writes every batch to each of its sinks. A failing sink does not
// stop the others.
type MultiSink []Sink

// Name implements Sink.
func (m MultiSink) Name() string { return "multi" }

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
