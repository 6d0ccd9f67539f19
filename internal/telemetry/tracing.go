package telemetry

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Relay/internal/ambiance"
)

const tracerName = "github.com/shaiso/Relay"

var (
	providerOnce sync.Once
	providerErr  error
)

// SetupTracing устанавливает глобальный TracerProvider со stdout-экспортёром.
//
// Без вызова SetupTracing otel использует no-op провайдер, и спаны
// ничего не стоят. Повторные вызовы ничего не делают.
func SetupTracing(serviceName string, w io.Writer) error {
	providerOnce.Do(func() {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			providerErr = err
			return
		}

		res, err := resource.New(context.Background(),
			resource.WithAttributes(attribute.String("service.name", serviceName)),
		)
		if err != nil {
			providerErr = err
			return
		}

		otel.SetTracerProvider(sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		))
	})
	return providerErr
}

// ShutdownTracing сбрасывает буферизованные спаны.
func ShutdownTracing(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}

// StartStepSpan открывает спан вызова шага с атрибутами узла.
func StartStepSpan(ctx context.Context, amb ambiance.Ambiance, mode string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "step.invoke")

	attrs := []attribute.KeyValue{
		attribute.String("relay.plan_execution_id", amb.PlanExecutionID),
		attribute.String("relay.mode", mode),
	}
	if l, ok := amb.Current(); ok {
		attrs = append(attrs,
			attribute.String("relay.node_execution_id", l.RuntimeID),
			attribute.String("relay.node_id", l.SetupID),
			attribute.String("relay.step_type", l.StepType),
		)
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// EndSpan закрывает спан, записывая ошибку, если она есть.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
