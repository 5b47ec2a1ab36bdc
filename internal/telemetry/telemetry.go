// Package telemetry exposes the relay's observable surface: Prometheus
// counters for the publish pipeline and an OpenTelemetry span plus optional
// trace sink per publish.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span captures one publish for an external trace store.
type Span struct {
	MessageID   string
	Subject     string
	Sender      string
	DeliveredTo int
	Rejected    int
	StartedAt   time.Time
	Duration    time.Duration
}

// TraceSink receives publish spans; implementations decide on storage.
type TraceSink interface {
	InsertSpan(ctx context.Context, span Span) error
}

// Telemetry bundles the relay's metrics and tracing.
type Telemetry struct {
	published   prometheus.Counter
	delivered   prometheus.Counter
	deadLetters prometheus.Counter
	rejected    *prometheus.CounterVec
	tracer      trace.Tracer
	sink        TraceSink
}

// New registers the relay metrics on reg and wires an optional trace sink.
// A nil registry skips metrics registration (tests).
func New(reg prometheus.Registerer, sink TraceSink) *Telemetry {
	t := &Telemetry{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "messages_published_total",
			Help: "Messages accepted by the publish pipeline.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "messages_delivered_total",
			Help: "Per-endpoint deliveries written to a mailbox.",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Name: "dead_letters_total",
			Help: "Messages moved to a failed/ directory.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Name: "messages_rejected_total",
			Help: "Rejections by reason code.",
		}, []string{"reason"}),
		tracer: otel.Tracer("relay"),
		sink:   sink,
	}
	if reg != nil {
		reg.MustRegister(t.published, t.delivered, t.deadLetters, t.rejected)
	}
	return t
}

// StartPublish opens the span for one publish call. The returned finish
// records counters, closes the span and forwards it to the sink.
func (t *Telemetry) StartPublish(ctx context.Context, subject, sender string) (context.Context, func(messageID string, deliveredTo, rejected int)) {
	started := time.Now()
	ctx, span := t.tracer.Start(ctx, "relay.publish",
		trace.WithAttributes(
			attribute.String("relay.subject", subject),
			attribute.String("relay.sender", sender),
		))
	return ctx, func(messageID string, deliveredTo, rejected int) {
		span.SetAttributes(
			attribute.String("relay.message_id", messageID),
			attribute.Int("relay.delivered_to", deliveredTo),
			attribute.Int("relay.rejected", rejected),
		)
		span.End()
		if t.sink != nil {
			// Sink errors are the sink's problem; tracing never fails a publish.
			_ = t.sink.InsertSpan(ctx, Span{
				MessageID:   messageID,
				Subject:     subject,
				Sender:      sender,
				DeliveredTo: deliveredTo,
				Rejected:    rejected,
				StartedAt:   started,
				Duration:    time.Since(started),
			})
		}
	}
}

// Published counts one accepted publish.
func (t *Telemetry) Published() { t.published.Inc() }

// Delivered counts one mailbox write.
func (t *Telemetry) Delivered() { t.delivered.Inc() }

// DeadLettered counts one failed/ move.
func (t *Telemetry) DeadLettered() { t.deadLetters.Inc() }

// Rejected counts one rejection under its reason code.
func (t *Telemetry) Rejected(reason string) { t.rejected.WithLabelValues(reason).Inc() }
