package negotiation

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/obu-negotiator/core"
	"github.com/signalsfoundry/obu-negotiator/model"
)

// Strategy names accepted by NewClassifier.
const (
	StrategyBearingCone       = "bearing-cone"
	StrategyCircleFitQuadrant = "circle-fit-quadrant"
)

// Situation is everything a classifier may look at for one evaluation.
type Situation struct {
	Own       model.Fix
	Heading   float64 // degrees, direction of travel of the own unit
	OwnTrack  []model.Coordinate
	Peer      model.Fix
	PeerTrack []model.Coordinate
	// PeerSeq identifies the peer report the snapshot came from; it only
	// advances when a new beacon is accepted.
	PeerSeq uint64
	// Recheck marks a re-evaluation while yielding: the own position,
	// heading and track are the ones of the previous evaluation.
	Recheck bool
}

// ThreatClassifier decides whether the peer currently blocks the unit's
// path through the conflict zone.
type ThreatClassifier interface {
	Name() string
	IsThreat(s Situation) bool
}

// BearingCone flags a peer that is inside the zone, within proximity, and
// whose relative bearing lies in the closed interval [MinDeg, MaxDeg]. The
// default cone (210°–350°) covers a peer approaching from behind-left that
// has already committed to the roundabout.
type BearingCone struct {
	Zone   *core.Zone
	MinDeg float64
	MaxDeg float64
}

// NewBearingCone returns the rear-left cone classifier.
func NewBearingCone(zone *core.Zone) *BearingCone {
	return &BearingCone{Zone: zone, MinDeg: 210, MaxDeg: 350}
}

func (b *BearingCone) Name() string { return StrategyBearingCone }

func (b *BearingCone) IsThreat(s Situation) bool {
	if !s.Own.Known || b.Zone.Classify(s.Peer) != core.Inside {
		return false
	}
	if !b.Zone.WithinProximity(s.Own, s.Peer) {
		return false
	}
	rel := relativeBearingTo(s)
	return rel >= b.MinDeg && rel <= b.MaxDeg
}

// CircleFitQuadrant flags a peer that is circulating the roundabout while
// the unit itself is still approaching, the two are within proximity, and
// the peer's relative bearing lies in the open interval (MinDeg, MaxDeg).
// Circulation is inferred by fitting a circle to the recent track and
// comparing it with the zone geometry.
//
// It keeps one radius smoother per track. The peer smoother advances once
// per accepted peer report (PeerSeq) and the own smoother once per tick, so
// repeated checks of an unchanged situation give the same verdict. It is
// not safe for concurrent use; the engine only calls it from the unit's
// driver goroutine.
type CircleFitQuadrant struct {
	Zone   *core.Zone
	MinDeg float64
	MaxDeg float64
	// Tolerance bounds both |fitted radius - zone radius| and the distance
	// between fitted and zone centers, in metres.
	Tolerance float64
	// MinPoints is the shortest track that is fitted at all.
	MinPoints int

	own  core.RadiusSmoother
	peer core.RadiusSmoother

	ownVerdict  bool
	ownSeen     bool
	peerVerdict bool
	peerSeq     uint64
	peerSeen    bool
}

// NewCircleFitQuadrant returns the curve-aware classifier.
func NewCircleFitQuadrant(zone *core.Zone, tolerance, alpha float64) *CircleFitQuadrant {
	return &CircleFitQuadrant{
		Zone:      zone,
		MinDeg:    45,
		MaxDeg:    135,
		Tolerance: tolerance,
		MinPoints: 3,
		own:       core.RadiusSmoother{Alpha: alpha},
		peer:      core.RadiusSmoother{Alpha: alpha},
	}
}

func (c *CircleFitQuadrant) Name() string { return StrategyCircleFitQuadrant }

func (c *CircleFitQuadrant) IsThreat(s Situation) bool {
	if !s.Own.Known || !s.Peer.Known {
		return false
	}
	if !c.peerSeen || s.PeerSeq != c.peerSeq {
		c.peerVerdict = c.circulating(s.PeerTrack, &c.peer)
		c.peerSeq, c.peerSeen = s.PeerSeq, true
	}
	if !s.Recheck || !c.ownSeen {
		c.ownVerdict = c.circulating(s.OwnTrack, &c.own)
		c.ownSeen = true
	}
	if !c.peerVerdict || c.ownVerdict {
		return false
	}
	if !c.Zone.WithinProximity(s.Own, s.Peer) {
		return false
	}
	rel := relativeBearingTo(s)
	return rel > c.MinDeg && rel < c.MaxDeg
}

// Circulating reports whether track currently fits the roundabout circle,
// without touching the smoothers.
func (c *CircleFitQuadrant) Circulating(track []model.Coordinate) bool {
	center, radius, ok := c.fit(track)
	return ok && c.matchesZone(center, radius)
}

func (c *CircleFitQuadrant) circulating(track []model.Coordinate, smoother *core.RadiusSmoother) bool {
	center, radius, ok := c.fit(track)
	if !ok {
		// Not a curve: drop the running estimate so a later arc starts fresh.
		smoother.Reset()
		return false
	}
	return c.matchesZone(center, smoother.Observe(radius))
}

func (c *CircleFitQuadrant) fit(track []model.Coordinate) (model.Coordinate, float64, bool) {
	if len(track) < c.MinPoints {
		return model.Coordinate{}, 0, false
	}
	center, radius, err := core.FitCircle(track)
	if err != nil {
		return model.Coordinate{}, 0, false
	}
	return center, radius, true
}

func (c *CircleFitQuadrant) matchesZone(center model.Coordinate, radius float64) bool {
	return math.Abs(radius-c.Zone.Radius) <= c.Tolerance &&
		core.Distance(center, c.Zone.Center) <= c.Tolerance
}

func relativeBearingTo(s Situation) float64 {
	return core.RelativeBearing(core.Bearing(s.Own.Coordinate, s.Peer.Coordinate), s.Heading)
}

// ClassifierConfig selects and tunes a threat strategy.
type ClassifierConfig struct {
	Strategy        string
	ConeMinDeg      float64
	ConeMaxDeg      float64
	QuadrantMinDeg  float64
	QuadrantMaxDeg  float64
	CircleTolerance float64
	SmoothingAlpha  float64
}

// NewClassifier builds the classifier named by cfg.Strategy. An empty
// strategy selects the bearing cone. Zero angle bounds keep the defaults.
func NewClassifier(zone *core.Zone, cfg ClassifierConfig) (ThreatClassifier, error) {
	switch cfg.Strategy {
	case "", StrategyBearingCone:
		b := NewBearingCone(zone)
		if cfg.ConeMinDeg != 0 || cfg.ConeMaxDeg != 0 {
			b.MinDeg, b.MaxDeg = cfg.ConeMinDeg, cfg.ConeMaxDeg
		}
		return b, nil
	case StrategyCircleFitQuadrant:
		c := NewCircleFitQuadrant(zone, cfg.CircleTolerance, cfg.SmoothingAlpha)
		if cfg.QuadrantMinDeg != 0 || cfg.QuadrantMaxDeg != 0 {
			c.MinDeg, c.MaxDeg = cfg.QuadrantMinDeg, cfg.QuadrantMaxDeg
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown threat strategy %q", cfg.Strategy)
	}
}
