package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"
)

// producerWriter is the narrow producer surface the emitter needs.
type producerWriter interface {
	Write(ctx context.Context, kind string, body io.Reader) error
}

// Emitter publishes typed pipeline events through the producer.
// Emission failures are logged and swallowed: progress reporting must
// never fail a run.
type Emitter struct {
	producer producerWriter
}

func NewEmitter(producer *EventProducer) *Emitter {
	return &Emitter{producer: producer}
}

func (em *Emitter) RunEvent(ctx context.Context, e RunEvent) {
	em.emit(ctx, RunMessageKind, e)
}

func (em *Emitter) StepEvent(ctx context.Context, e StepEvent) {
	em.emit(ctx, StepMessageKind, e)
}

func (em *Emitter) FindingEvent(ctx context.Context, e FindingEvent) {
	em.emit(ctx, FindingMessageKind, e)
}

func (em *Emitter) ProofEvent(ctx context.Context, e ProofEvent) {
	em.emit(ctx, ProofMessageKind, e)
}

func (em *Emitter) WorkerEvent(ctx context.Context, e WorkerEvent) {
	em.emit(ctx, WorkerMessageKind, e)
}

func (em *Emitter) Log(ctx context.Context, e LogEvent) {
	em.emit(ctx, LogMessageKind, e)
}

func (em *Emitter) emit(ctx context.Context, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		zap.S().Named("events").Errorw("failed to marshal event", "error", err, "event_kind", kind)
		return
	}

	if err := em.producer.Write(ctx, kind, bytes.NewBuffer(data)); err != nil {
		zap.S().Named("events").Errorw("failed to write event", "error", err, "event_kind", kind)
	}
}
