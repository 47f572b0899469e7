package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the loop's metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	IterationDuration  metric.Float64Histogram
	IterationsTotal    metric.Int64Counter
	RetriesTotal       metric.Int64Counter
	ConsultationsTotal metric.Int64Counter
	ActiveObservers    metric.Int64UpDownCounter
	EventsPublished    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("smile.request.duration",
		metric.WithDescription("Control-plane request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationDuration, err = meter.Float64Histogram("smile.iteration.duration",
		metric.WithDescription("Student iteration duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationsTotal, err = meter.Int64Counter("smile.loop.iterations",
		metric.WithDescription("Total student iterations started"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("smile.loop.retries",
		metric.WithDescription("Total student retries within an iteration"),
	)
	if err != nil {
		return nil, err
	}

	m.ConsultationsTotal, err = meter.Int64Counter("smile.loop.consultations",
		metric.WithDescription("Total mentor consultations"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveObservers, err = meter.Int64UpDownCounter("smile.observers.active",
		metric.WithDescription("Number of connected WebSocket observers"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("smile.events.published",
		metric.WithDescription("Total loop events broadcast"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
