// Package driver walks a unit along its waypoint sequence, one waypoint per
// tick, publishing a beacon at each waypoint once the negotiation engine
// lets it through.
package driver

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/obu-negotiator/core"
	"github.com/signalsfoundry/obu-negotiator/internal/beacon"
	"github.com/signalsfoundry/obu-negotiator/internal/logging"
	"github.com/signalsfoundry/obu-negotiator/internal/negotiation"
	"github.com/signalsfoundry/obu-negotiator/internal/observability"
	"github.com/signalsfoundry/obu-negotiator/internal/transport"
	"github.com/signalsfoundry/obu-negotiator/model"
	"github.com/signalsfoundry/obu-negotiator/timectrl"
)

const tracerName = "github.com/signalsfoundry/obu-negotiator/internal/driver"

// Gater holds the unit at a waypoint until it may proceed.
type Gater interface {
	Gate(ctx context.Context, own model.Fix, heading float64, ownTrack []model.Coordinate) (negotiation.GateResult, error)
}

// MetricsRecorder counts published beacons.
type MetricsRecorder interface {
	BeaconPublished()
}

// Config identifies the unit and paces the walk.
type Config struct {
	UnitID      string
	Topic       string        // outbound topic, default transport.TopicOutbound
	Tick        time.Duration // pause after each published beacon
	HistorySize int           // own track length handed to the classifier
}

// Summary reports what a run did.
type Summary struct {
	Published int
	Yields    int
	Escapes   int
}

// Driver is single-use: Run walks the sequence once.
type Driver struct {
	cfg       Config
	waypoints []model.Coordinate
	gate      Gater
	template  *beacon.Template
	pub       transport.Publisher
	clock     timectrl.Clock

	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// Option customises a Driver.
type Option func(*Driver)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithClock overrides the clock that paces ticks.
func WithClock(c timectrl.Clock) Option {
	return func(d *Driver) {
		if c != nil {
			d.clock = c
		}
	}
}

// New builds a driver for waypoints. A nil template publishes beacons that
// carry only the per-tick fields.
func New(cfg Config, waypoints []model.Coordinate, gate Gater, template *beacon.Template, pub transport.Publisher, opts ...Option) *Driver {
	if cfg.Topic == "" {
		cfg.Topic = transport.TopicOutbound
	}
	if template == nil {
		template = beacon.EmptyTemplate()
	}
	d := &Driver{
		cfg:       cfg,
		waypoints: waypoints,
		gate:      gate,
		template:  template,
		pub:       pub,
		clock:     timectrl.Wall{},
		log:       logging.Noop(),
		tracer:    observability.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run publishes one beacon per waypoint, in order. Each waypoint is first
// passed through the gate, which may hold it while the unit yields. Run
// returns after the last waypoint, on a publish failure, or when ctx is
// cancelled.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	if len(d.waypoints) == 0 {
		d.log.Info(ctx, "no waypoints; nothing to publish")
		return sum, nil
	}

	ctx, span := d.tracer.Start(ctx, "driver.run", trace.WithAttributes(
		attribute.String("unit_id", d.cfg.UnitID),
		attribute.Int("waypoints", len(d.waypoints)),
	))
	defer span.End()

	track := core.NewTrack(d.cfg.HistorySize)
	fail := func(err error) (Summary, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sum, err
	}

	for i, wp := range d.waypoints {
		track.Append(wp)
		heading := negotiation.Heading(d.waypoints, i)

		res, err := d.gate.Gate(ctx, model.KnownFix(wp), heading, track.Points())
		if err != nil {
			return fail(err)
		}
		if res.Yielded {
			sum.Yields++
		}
		if res.Escaped {
			sum.Escapes++
		}

		payload, err := d.template.Render(beacon.Stamp{Position: wp, UnitID: d.cfg.UnitID})
		if err != nil {
			return fail(err)
		}
		if err := d.pub.Publish(ctx, d.cfg.Topic, payload); err != nil {
			d.log.Error(ctx, "publish failed",
				logging.Int("waypoint", i),
				logging.String("error", err.Error()),
			)
			return fail(fmt.Errorf("publish waypoint %d: %w", i, err))
		}
		sum.Published++
		if d.metrics != nil {
			d.metrics.BeaconPublished()
		}
		d.log.Debug(ctx, "beacon published",
			logging.Int("waypoint", i),
			logging.Float("lat", wp.Lat),
			logging.Float("lon", wp.Lon),
			logging.Float("heading_deg", heading),
		)

		if err := d.clock.Sleep(ctx, d.cfg.Tick); err != nil {
			return fail(err)
		}
	}

	span.SetAttributes(
		attribute.Int("published", sum.Published),
		attribute.Int("yields", sum.Yields),
	)
	d.log.Info(ctx, "trajectory complete",
		logging.Int("published", sum.Published),
		logging.Int("yields", sum.Yields),
		logging.Int("escapes", sum.Escapes),
	)
	return sum, nil
}
