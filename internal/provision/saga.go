package provision

import (
	"context"
	"errors"

	"github.com/vaheed/novaspace/internal/cluster"
	"github.com/vaheed/novaspace/internal/logging"
	"github.com/vaheed/novaspace/internal/metrics"
	"github.com/vaheed/novaspace/internal/store"
	"go.uber.org/zap"
)

type undoStep struct {
	name string
	undo func(context.Context) error
}

// rollback collects compensating actions as steps succeed and runs them in
// reverse order when a later step fails. Compensation errors are logged and
// counted, never returned. Objects already gone count as compensated.
type rollback struct {
	steps []undoStep
}

func (r *rollback) push(name string, undo func(context.Context) error) {
	r.steps = append(r.steps, undoStep{name: name, undo: undo})
}

// run executes on a context detached from cancellation so an aborted request
// still rolls back.
func (r *rollback) run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	log := logging.FromContext(ctx)
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		err := step.undo(ctx)
		if err != nil && !isGone(err) {
			log.Error("compensation.failed", zap.String("step", step.name), zap.Error(err))
			metrics.CompensationsTotal.WithLabelValues(step.name, "error").Inc()
			continue
		}
		log.Info("compensation.applied", zap.String("step", step.name))
		metrics.CompensationsTotal.WithLabelValues(step.name, "ok").Inc()
	}
	r.steps = nil
}

func isGone(err error) bool {
	return errors.Is(err, cluster.ErrNotFound) || errors.Is(err, store.ErrNotFound)
}
