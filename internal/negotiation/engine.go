// Package negotiation decides, once per tick, whether a unit may proceed
// to its next waypoint or must yield to a peer at the conflict zone.
package negotiation

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/obu-negotiator/core"
	"github.com/signalsfoundry/obu-negotiator/internal/logging"
	"github.com/signalsfoundry/obu-negotiator/internal/observability"
	"github.com/signalsfoundry/obu-negotiator/kb"
	"github.com/signalsfoundry/obu-negotiator/model"
	"github.com/signalsfoundry/obu-negotiator/timectrl"
)

const tracerName = "github.com/signalsfoundry/obu-negotiator/internal/negotiation"

// DefaultPollInterval is the yield re-check cadence when none is configured.
const DefaultPollInterval = time.Second

// PeerSource is the read side of the peer state store.
type PeerSource interface {
	Snapshot() kb.PeerSnapshot
}

// PeerNotifier is implemented by peer sources that can report accepted
// updates. While yielding, an update cuts the current poll pause short.
type PeerNotifier interface {
	Subscribe(fn func(kb.PeerSnapshot)) (unsubscribe func())
}

// MetricsRecorder receives negotiation state changes.
type MetricsRecorder interface {
	YieldStarted(strategy string)
	YieldEnded(wait time.Duration, escaped bool)
	SetState(s model.NegotiationState)
}

// Config tunes the yield wait loop.
type Config struct {
	// PollInterval is the pause between peer re-checks while yielding.
	PollInterval time.Duration
	// MaxYieldWait, when positive, lets the unit proceed after yielding
	// for that long even if the threat persists. Zero waits indefinitely.
	MaxYieldWait time.Duration
}

// Decision is the outcome of a single evaluation.
type Decision struct {
	Zone   core.ZoneClass
	Threat bool
	Yield  bool
	Peer   kb.PeerSnapshot
}

// GateResult describes what happened inside Gate.
type GateResult struct {
	Yielded bool
	Polls   int           // peer re-checks performed while yielding
	Waited  time.Duration // clock time spent yielding
	Escaped bool          // left by MaxYieldWait rather than a cleared threat
}

// Engine is the per-unit right-of-way state machine. Gate must only be
// called from one goroutine; State may be read from any.
type Engine struct {
	zone       *core.Zone
	peers      PeerSource
	classifier ThreatClassifier
	clock      timectrl.Clock
	cfg        Config

	log     logging.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	state atomic.Int32
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the clock driving the poll loop.
func WithClock(c timectrl.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// NewEngine wires an engine over the zone, the peer store and a threat
// classifier.
func NewEngine(zone *core.Zone, peers PeerSource, classifier ThreatClassifier, cfg Config, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	e := &Engine{
		zone:       zone,
		peers:      peers,
		classifier: classifier,
		clock:      timectrl.Wall{},
		cfg:        cfg,
		log:        logging.Noop(),
		tracer:     observability.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current negotiation state.
func (e *Engine) State() model.NegotiationState {
	return model.NegotiationState(e.state.Load())
}

// Evaluate takes one snapshot of the peer store and reports whether the
// unit at own, travelling along heading, should yield. It does not change
// the engine state.
func (e *Engine) Evaluate(own model.Fix, heading float64, ownTrack []model.Coordinate) Decision {
	snap := e.peers.Snapshot()
	d := Decision{Zone: e.zone.Classify(own), Peer: snap}
	if !e.zone.Approaching(own) {
		return d
	}
	d.Threat = e.classifier.IsThreat(situation(own, heading, ownTrack, snap, false))
	d.Yield = d.Threat
	return d
}

// Gate returns once the unit may publish its beacon for own. If a threat
// is present the engine enters YIELDING and polls the peer store every
// PollInterval (sooner after an accepted update when the store is a
// PeerNotifier), re-evaluating against the same own position, heading and
// track, until the threat clears (or MaxYieldWait elapses). Cancelling ctx
// aborts the wait with ctx.Err().
func (e *Engine) Gate(ctx context.Context, own model.Fix, heading float64, ownTrack []model.Coordinate) (GateResult, error) {
	d := e.Evaluate(own, heading, ownTrack)
	if !d.Yield {
		return GateResult{}, nil
	}

	strategy := e.classifier.Name()
	ctx, span := e.tracer.Start(ctx, "negotiation.yield", trace.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("zone", d.Zone.String()),
		attribute.Float64("heading_deg", heading),
	))
	defer span.End()

	// Subscribed before YIELDING is visible, so no update is missed.
	wake := make(chan struct{}, 1)
	if n, ok := e.peers.(PeerNotifier); ok {
		unsubscribe := n.Subscribe(func(kb.PeerSnapshot) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()
	}

	e.setState(model.Yielding)
	if e.metrics != nil {
		e.metrics.YieldStarted(strategy)
	}
	e.log.Info(ctx, "yielding to peer",
		logging.String("zone", d.Zone.String()),
		logging.String("strategy", strategy),
		logging.Float("heading_deg", heading),
		logging.Float("peer_distance_m", core.Distance(own.Coordinate, d.Peer.Position.Coordinate)),
	)

	started := e.clock.Now()
	res := GateResult{Yielded: true}
	for {
		if err := e.pause(ctx, wake); err != nil {
			res.Waited = e.clock.Now().Sub(started)
			span.RecordError(err)
			span.SetStatus(codes.Error, "yield aborted")
			e.log.Warn(ctx, "yield aborted",
				logging.Int("polls", res.Polls),
				logging.String("error", err.Error()),
			)
			return res, err
		}
		res.Polls++

		snap := e.peers.Snapshot()
		if !e.classifier.IsThreat(situation(own, heading, ownTrack, snap, true)) {
			break
		}
		if e.cfg.MaxYieldWait > 0 && e.clock.Now().Sub(started) >= e.cfg.MaxYieldWait {
			res.Escaped = true
			e.log.Warn(ctx, "maximum yield wait elapsed; proceeding despite threat",
				logging.String("max_wait", e.cfg.MaxYieldWait.String()),
				logging.Int("polls", res.Polls),
			)
			break
		}
	}

	res.Waited = e.clock.Now().Sub(started)
	e.setState(model.Proceeding)
	if e.metrics != nil {
		e.metrics.YieldEnded(res.Waited, res.Escaped)
	}
	span.SetAttributes(
		attribute.Int("polls", res.Polls),
		attribute.Bool("escaped", res.Escaped),
	)
	e.log.Info(ctx, "proceeding",
		logging.Int("polls", res.Polls),
		logging.String("waited", res.Waited.String()),
		logging.Bool("escaped", res.Escaped),
	)
	return res, nil
}

// pause waits one poll interval, returning early without error when a
// peer update arrives on wake.
func (e *Engine) pause(ctx context.Context, wake <-chan struct{}) error {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-wake:
			cancel()
		case <-sleepCtx.Done():
		}
	}()

	err := e.clock.Sleep(sleepCtx, e.cfg.PollInterval)
	if err != nil && ctx.Err() == nil {
		return nil
	}
	return err
}

func (e *Engine) setState(s model.NegotiationState) {
	e.state.Store(int32(s))
	if e.metrics != nil {
		e.metrics.SetState(s)
	}
}

func situation(own model.Fix, heading float64, ownTrack []model.Coordinate, snap kb.PeerSnapshot, recheck bool) Situation {
	return Situation{
		Own:       own,
		Heading:   heading,
		OwnTrack:  ownTrack,
		Peer:      snap.Position,
		PeerTrack: snap.History,
		PeerSeq:   snap.Seq,
		Recheck:   recheck,
	}
}

// Heading returns the direction of travel at waypoint idx: the bearing to
// the next waypoint, or 0 at the final waypoint.
func Heading(waypoints []model.Coordinate, idx int) float64 {
	if idx < 0 || idx >= len(waypoints)-1 {
		return 0
	}
	return core.Bearing(waypoints[idx], waypoints[idx+1])
}
