package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"taskherd/internal/domain"
	"taskherd/internal/infra/tracer"
)

// Wait blocks until the agent reaches a terminal status, then returns its
// extracted result. timeout <= 0 means wait indefinitely (the caller's ctx
// still applies). A timeout abandons only this wait; the agent keeps
// running and a later Result call still succeeds.
func (o *Orchestrator) Wait(ctx context.Context, id string, timeout time.Duration) (domain.AgentResult, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.wait",
		trace.WithAttributes(tracer.StringAttr("agent.id", id)))
	defer span.End()
	const op = "Orchestrator.Wait"

	e, ok := o.reg.get(id)
	if !ok {
		err := domain.NewSubSystemError("agent", op, domain.ErrNotFound, id)
		tracer.RecordError(span, err)
		return domain.AgentResult{}, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	// Already-terminal agents resolve immediately: done is closed and wins
	// the select on the spot.
	select {
	case <-e.done:
	case <-deadline:
		err := domain.NewSubSystemError("agent", op, domain.ErrTimeout,
			fmt.Sprintf("agent %s did not finish within %s", id, timeout))
		tracer.RecordError(span, err)
		return domain.AgentResult{}, err
	case <-ctx.Done():
		err := domain.WrapOp(op, ctx.Err())
		tracer.RecordError(span, err)
		return domain.AgentResult{}, err
	}

	tracer.SetOK(span)
	return o.Result(id)
}
