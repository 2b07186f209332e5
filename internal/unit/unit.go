// Package unit assembles one OBU: its peer store, beacon receiver,
// negotiation engine and trajectory driver, wired to a transport.
package unit

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/obu-negotiator/core"
	"github.com/signalsfoundry/obu-negotiator/internal/beacon"
	"github.com/signalsfoundry/obu-negotiator/internal/config"
	"github.com/signalsfoundry/obu-negotiator/internal/driver"
	"github.com/signalsfoundry/obu-negotiator/internal/logging"
	"github.com/signalsfoundry/obu-negotiator/internal/negotiation"
	"github.com/signalsfoundry/obu-negotiator/internal/observability"
	"github.com/signalsfoundry/obu-negotiator/internal/pathsource"
	"github.com/signalsfoundry/obu-negotiator/internal/transport"
	"github.com/signalsfoundry/obu-negotiator/kb"
	"github.com/signalsfoundry/obu-negotiator/model"
	"github.com/signalsfoundry/obu-negotiator/timectrl"
)

// Transport is what a unit needs from the message bus.
type Transport interface {
	transport.Publisher
	transport.Subscriber
}

// Config describes one unit.
type Config struct {
	ID          string
	Waypoints   []model.Coordinate
	Zone        []model.Coordinate // center, then a point on the boundary
	Negotiation config.Negotiation
	// Topics; zero values use the V2X stack's topics.
	OutboundTopic string
	InboundTopic  string
}

// Deps are the shared collaborators injected into a unit.
type Deps struct {
	Transport Transport
	Template  *beacon.Template
	Clock     timectrl.Clock
	Logger    logging.Logger
	Metrics   *observability.UnitCollector
}

// Unit is a fully wired OBU. New subscribes it to inbound beacons; Run
// walks the path once and then releases the subscription.
type Unit struct {
	id     string
	runID  string
	store  *kb.PeerStore
	engine *negotiation.Engine
	driver *driver.Driver
	log    logging.Logger

	unsubscribe func()
}

// New validates cfg and wires the unit. Zone geometry problems and
// unknown strategies are reported here, before anything is published.
func New(cfg Config, deps Deps) (*Unit, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("unit: empty id")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("unit %s: no transport", cfg.ID)
	}
	if cfg.OutboundTopic == "" {
		cfg.OutboundTopic = transport.TopicOutbound
	}
	if cfg.InboundTopic == "" {
		cfg.InboundTopic = transport.TopicInbound
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.Wall{}
	}
	n := config.Config{Negotiation: cfg.Negotiation}.ApplyDefaults().Negotiation

	ctx, log := logging.WithUnitLogger(context.Background(), deps.Logger, cfg.ID)
	metrics := deps.Metrics.ForUnit(cfg.ID)

	zone, err := core.NewZone(cfg.Zone, n.MarginM, n.ProximityM)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", cfg.ID, err)
	}
	classifier, err := negotiation.NewClassifier(zone, n.Classifier())
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", cfg.ID, err)
	}

	store := kb.NewPeerStore(cfg.ID, kb.WithHistory(n.HistorySize), kb.WithTimeSource(deps.Clock.Now))
	engine := negotiation.NewEngine(zone, store, classifier,
		negotiation.Config{PollInterval: n.Poll(), MaxYieldWait: n.MaxYieldWait()},
		negotiation.WithLogger(log),
		negotiation.WithMetrics(metrics),
		negotiation.WithClock(deps.Clock),
	)
	drv := driver.New(
		driver.Config{
			UnitID:      cfg.ID,
			Topic:       cfg.OutboundTopic,
			Tick:        n.Tick(),
			HistorySize: n.HistorySize,
		},
		cfg.Waypoints, engine, deps.Template, deps.Transport,
		driver.WithLogger(log),
		driver.WithMetrics(metrics),
		driver.WithClock(deps.Clock),
	)

	recv := beacon.NewReceiver(store, beacon.WithLogger(log), beacon.WithMetrics(metrics))
	unsubscribe, err := deps.Transport.Subscribe(cfg.InboundTopic, recv.Handle)
	if err != nil {
		return nil, fmt.Errorf("unit %s: subscribe %s: %w", cfg.ID, cfg.InboundTopic, err)
	}
	metrics.SetState(model.Proceeding)

	log.Info(ctx, "unit ready",
		logging.Int("waypoints", len(cfg.Waypoints)),
		logging.Float("zone_radius_m", zone.Radius),
		logging.String("strategy", classifier.Name()),
	)

	return &Unit{
		id:          cfg.ID,
		runID:       logging.RunIDFromContext(ctx),
		store:       store,
		engine:      engine,
		driver:      drv,
		log:         log,
		unsubscribe: unsubscribe,
	}, nil
}

// ID returns the unit's OBU id.
func (u *Unit) ID() string { return u.id }

// Peers exposes the unit's peer store.
func (u *Unit) Peers() *kb.PeerStore { return u.store }

// State returns the current negotiation state.
func (u *Unit) State() model.NegotiationState { return u.engine.State() }

// Run drives the unit along its path and unsubscribes from inbound
// beacons when done.
func (u *Unit) Run(ctx context.Context) (driver.Summary, error) {
	defer u.unsubscribe()

	ctx = logging.ContextWithLogger(logging.ContextWithRunID(ctx, u.runID), u.log)
	sum, err := u.driver.Run(ctx)
	if err != nil {
		u.log.Error(ctx, "unit stopped", logging.String("error", err.Error()))
		return sum, fmt.Errorf("unit %s: %w", u.id, err)
	}
	return sum, nil
}

// Load reads the path and zone files of unit id from c.
func Load(c config.Config, id string) (Config, error) {
	uc, err := c.Unit(id)
	if err != nil {
		return Config{}, err
	}
	waypoints, err := pathsource.Load(uc.Path)
	if err != nil {
		return Config{}, fmt.Errorf("unit %s path: %w", id, err)
	}
	zone, err := pathsource.Load(uc.Zone)
	if err != nil {
		return Config{}, fmt.Errorf("unit %s zone: %w", id, err)
	}
	return Config{
		ID:            id,
		Waypoints:     waypoints,
		Zone:          zone,
		Negotiation:   c.Negotiation,
		OutboundTopic: c.MQTT.OutboundTopic,
		InboundTopic:  c.MQTT.InboundTopic,
	}, nil
}
