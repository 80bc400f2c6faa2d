package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// Emitter receives the progress events of a run. Implementations must not block
// for long and must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, ev schemas.Event)
}

// Func adapts a plain function to Emitter.
type Func func(ctx context.Context, ev schemas.Event)

func (f Func) Emit(ctx context.Context, ev schemas.Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Emitter = Func(func(context.Context, schemas.Event) {})

// Multi fans one event out to several emitters in order.
func Multi(emitters ...Emitter) Emitter {
	return Func(func(ctx context.Context, ev schemas.Event) {
		for _, e := range emitters {
			e.Emit(ctx, ev)
		}
	})
}

// LogEmitter writes events to a zap logger, one line per event.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.Named("events")}
}

func (l *LogEmitter) Emit(_ context.Context, ev schemas.Event) {
	fields := []zap.Field{zap.String("run_id", ev.RunID)}

	switch ev.Type {
	case schemas.EventLog:
		l.logger.Info(ev.Message, fields...)
	case schemas.EventError:
		l.logger.Error(ev.Message, fields...)
	case schemas.EventResult:
		fields = append(fields,
			zap.Int("cycle", ev.Cycle),
			zap.Int("scenario", ev.Scenario),
			zap.String("persona", ev.Persona),
			zap.Float64("score", ev.Score),
			zap.Bool("passed", ev.Passed),
		)
		if ev.Metrics != nil {
			fields = append(fields,
				zap.Int("repetition", ev.Metrics.Repetition),
				zap.Int("negotiation", ev.Metrics.Negotiation),
				zap.Int("empathy", ev.Metrics.Empathy),
			)
		}
		l.logger.Info("Scenario scored", fields...)
	case schemas.EventOptimization:
		fields = append(fields,
			zap.Int("cycle", ev.Cycle),
			zap.Int("scenario", ev.Scenario),
			zap.Int("old_len", len(ev.OldScript)),
			zap.Int("new_len", len(ev.NewScript)),
		)
		l.logger.Info("Script rewritten", fields...)
	case schemas.EventDone:
		fields = append(fields,
			zap.Bool("converged", ev.Converged),
			zap.Float64("success_rate", ev.SuccessRate),
			zap.Int("cycles", ev.Cycle),
		)
		l.logger.Info("Run finished", fields...)
	default:
		l.logger.Debug("Unknown event", append(fields, zap.String("type", string(ev.Type)))...)
	}
}
