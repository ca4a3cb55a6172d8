package jobs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceSubscriber bridges the job event bus onto OpenTelemetry spans.
// Each event becomes one instantaneous span carrying the job id,
// status and progress as attributes; failed transitions set error
// status. Wire it up with:
//
//	tracer := otel.Tracer("locallama")
//	cancel := tracker.Bus().Subscribe(jobs.TraceSubscriber(tracer))
func TraceSubscriber(tracer trace.Tracer) func(Event) {
	return func(ev Event) {
		_, span := tracer.Start(context.Background(), "job."+string(ev.Type))
		defer span.End()

		span.SetAttributes(
			attribute.String("locallama.job_id", ev.JobID),
			attribute.String("locallama.status", string(ev.Status)),
			attribute.Int("locallama.progress", ev.Progress),
		)
		if ev.Error != "" {
			span.SetStatus(codes.Error, ev.Error)
		}
	}
}
