package scheduler

import (
	"context"
	"log/slog"

	"github.com/rezkam/jobstore/internal/domain"
)

// TriggerListener receives notifications from the misfire sweeper. The
// scheduler engine plugs in its own implementation; the store never blocks
// on a listener, so implementations must return quickly.
type TriggerListener interface {
	// TriggerMisfired is called once for every trigger the sweeper handles.
	TriggerMisfired(ctx context.Context, trigger *domain.Trigger)

	// TriggerFinalized is called when a misfired trigger's series is
	// exhausted and the trigger was marked complete.
	TriggerFinalized(ctx context.Context, trigger *domain.Trigger)
}

// NoopTriggerListener logs notifications at debug level and discards them.
type NoopTriggerListener struct{}

func (NoopTriggerListener) TriggerMisfired(ctx context.Context, trigger *domain.Trigger) {
	slog.DebugContext(ctx, "trigger misfired", "trigger_key", trigger.Key.String())
}

func (NoopTriggerListener) TriggerFinalized(ctx context.Context, trigger *domain.Trigger) {
	slog.DebugContext(ctx, "trigger finalized", "trigger_key", trigger.Key.String())
}
