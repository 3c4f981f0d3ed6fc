package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kartlab/escd/pkg/core"
)

const instrumentationName = "github.com/kartlab/escd/internal/engine"

const (
	reasonEmergency    = "estop"
	reasonUnknownMotor = "unknown_motor"
	reasonQueueFull    = "queue_full"
	reasonInvalidSpeed = "invalid_speed"
)

type metrics struct {
	ticks         metric.Int64Counter
	accepted      metric.Int64Counter
	rejectedCount metric.Int64Counter
	estops        metric.Int64Counter
	deviceErrors  metric.Int64Counter
	queueDepth    metric.Int64ObservableGauge
}

func newMetrics(e *Engine) (*metrics, error) {
	m := otel.Meter(instrumentationName)
	out := &metrics{}

	var err error
	if out.ticks, err = m.Int64Counter("engine.ticks",
		metric.WithDescription("Control ticks executed")); err != nil {
		return nil, fmt.Errorf("creating tick counter: %w", err)
	}
	if out.accepted, err = m.Int64Counter("engine.commands.accepted",
		metric.WithDescription("Speed commands accepted")); err != nil {
		return nil, fmt.Errorf("creating accepted counter: %w", err)
	}
	if out.rejectedCount, err = m.Int64Counter("engine.commands.rejected",
		metric.WithDescription("Speed commands rejected, by reason")); err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}
	if out.estops, err = m.Int64Counter("engine.estop.triggered",
		metric.WithDescription("Emergency stops latched, by source")); err != nil {
		return nil, fmt.Errorf("creating emergency counter: %w", err)
	}
	if out.deviceErrors, err = m.Int64Counter("engine.device.errors",
		metric.WithDescription("Failed duty cycle writes, by motor")); err != nil {
		return nil, fmt.Errorf("creating device error counter: %w", err)
	}
	if out.queueDepth, err = m.Int64ObservableGauge("engine.queue.depth",
		metric.WithDescription("Commands waiting for the next tick")); err != nil {
		return nil, fmt.Errorf("creating queue depth gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(out.queueDepth, int64(e.commands.Len()))
			return nil
		},
		out.queueDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue depth callback: %w", err)
	}
	return out, nil
}

func (m *metrics) rejected(reason string) {
	m.rejectedCount.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) emergency(src core.EmergencySource) {
	m.estops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", string(src))))
}

func (m *metrics) deviceError(motor string) {
	m.deviceErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("motor", motor)))
}
