// ABOUTME: OpenTelemetry instruments for sessions, runs, tasks, and socket traffic
// ABOUTME: Backed by an SDK meter provider with a manual reader so /metrics can report totals

package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterName scopes every instrument created here.
const MeterName = "github.com/2389/coven-runs"

// Metrics holds the gateway's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider

	sessionsActive   metric.Int64UpDownCounter
	runsActive       metric.Int64UpDownCounter
	tasksSpawned     metric.Int64Counter
	cancelTimeouts   metric.Int64Counter
	eventsSent       metric.Int64Counter
	messagesRejected metric.Int64Counter
	credentials      metric.Int64Counter
}

// New creates a Metrics backed by its own SDK meter provider.
func New() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(provider.Meter(MeterName))
	if err != nil {
		return nil, err
	}
	m.reader = reader
	m.provider = provider
	return m, nil
}

// NewNoop creates a Metrics whose instruments discard every measurement.
func NewNoop() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.sessionsActive, err = meter.Int64UpDownCounter("coven_runs.sessions.active",
		metric.WithDescription("Live websocket sessions")); err != nil {
		return nil, fmt.Errorf("creating sessions instrument: %w", err)
	}
	if m.runsActive, err = meter.Int64UpDownCounter("coven_runs.runs.active",
		metric.WithDescription("Runs held in the registry")); err != nil {
		return nil, fmt.Errorf("creating runs instrument: %w", err)
	}
	if m.tasksSpawned, err = meter.Int64Counter("coven_runs.tasks.spawned",
		metric.WithDescription("Flow runner tasks started")); err != nil {
		return nil, fmt.Errorf("creating tasks instrument: %w", err)
	}
	if m.cancelTimeouts, err = meter.Int64Counter("coven_runs.tasks.cancel_timeouts",
		metric.WithDescription("Cancellations that gave up waiting and detached the task")); err != nil {
		return nil, fmt.Errorf("creating cancel timeout instrument: %w", err)
	}
	if m.eventsSent, err = meter.Int64Counter("coven_runs.events.sent",
		metric.WithDescription("Events written to sockets")); err != nil {
		return nil, fmt.Errorf("creating events instrument: %w", err)
	}
	if m.messagesRejected, err = meter.Int64Counter("coven_runs.messages.rejected",
		metric.WithDescription("Inbound messages answered with an error event")); err != nil {
		return nil, fmt.Errorf("creating rejected instrument: %w", err)
	}
	if m.credentials, err = meter.Int64Counter("coven_runs.credentials",
		metric.WithDescription("Credential issue and redeem outcomes")); err != nil {
		return nil, fmt.Errorf("creating credential instrument: %w", err)
	}
	return m, nil
}

// SessionOpened records a newly accepted socket.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// SessionClosed records a finished socket.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}

// RunRegistered records a run entering the registry.
func (m *Metrics) RunRegistered(ctx context.Context, runType string) {
	if m == nil {
		return
	}
	m.runsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("run_type", runType)))
}

// RunRemoved records a run leaving the registry.
func (m *Metrics) RunRemoved(ctx context.Context, runType string) {
	if m == nil {
		return
	}
	m.runsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("run_type", runType)))
}

// TaskSpawned records a started flow runner task.
func (m *Metrics) TaskSpawned(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.tasksSpawned.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// CancelTimedOut records a task left running after its cancel wait expired.
func (m *Metrics) CancelTimedOut(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.cancelTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// EventSent records an outbound event by type.
func (m *Metrics) EventSent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// MessageRejected records an inbound message that produced an error event.
func (m *Metrics) MessageRejected(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	m.messagesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", messageType)))
}

// Credential records a credential outcome: issued, redeemed or refused.
func (m *Metrics) Credential(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.credentials.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Point is one aggregated value of a sum instrument.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      int64             `json:"value"`
}

// Collect returns the current value of every sum instrument, sorted by name.
// A noop Metrics returns nothing.
func (m *Metrics) Collect(ctx context.Context) ([]Point, error) {
	if m == nil || m.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}

	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				attrs := make(map[string]string, dp.Attributes.Len())
				for _, kv := range dp.Attributes.ToSlice() {
					attrs[string(kv.Key)] = kv.Value.Emit()
				}
				points = append(points, Point{Name: md.Name, Attributes: attrs, Value: dp.Value})
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	return points, nil
}

// Total sums every point of the named instrument.
func Total(points []Point, name string) int64 {
	var total int64
	for _, p := range points {
		if p.Name == name {
			total += p.Value
		}
	}
	return total
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
