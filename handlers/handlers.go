// Package handlers ships the built-in job handlers.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/chimeworks/chime/engine"
	"github.com/chimeworks/chime/errors"
	"github.com/chimeworks/chime/job"
)

// RegisterBuiltins adds the stock handlers to a registry.
func RegisterBuiltins(registry *engine.HandlerRegistry, logger *zap.SugaredLogger) {
	registry.Register(NewSleepHandler(logger))
	registry.Register(EchoHandler{})
}

// SleepHandler waits for a payload-specified duration, checkpointing on the
// context so cancellation and the soft time limit interrupt it promptly.
// Useful for smoke-testing scheduling, retry, and cancellation paths.
type SleepHandler struct {
	logger *zap.SugaredLogger
}

type sleepPayload struct {
	DurationMS int  `json:"duration_ms"`
	Fail       bool `json:"fail,omitempty"` // force a failure, for exercising retries
}

// NewSleepHandler creates the demo.sleep handler.
func NewSleepHandler(logger *zap.SugaredLogger) SleepHandler {
	return SleepHandler{logger: logger.Named("demo.sleep")}
}

func (SleepHandler) Name() string { return "demo.sleep" }

func (h SleepHandler) Execute(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	var p sleepPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, errors.Wrap(err, "invalid sleep payload")
		}
	}

	d := time.Duration(p.DurationMS) * time.Millisecond
	h.logger.Debugw("Sleeping", "job_id", j.ID, "duration", d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if p.Fail {
		return nil, errors.Newf("sleep handler failed on request after %s", d)
	}
	return json.Marshal(map[string]interface{}{"slept_ms": p.DurationMS})
}

// EchoHandler returns the job payload unchanged.
type EchoHandler struct{}

func (EchoHandler) Name() string { return "demo.echo" }

func (EchoHandler) Execute(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(j.Payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return j.Payload, nil
}
