// Package config loads the per-deployment configuration: transport
// settings, negotiation tuning and the table of OBUs, keyed by OBU id.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/signalsfoundry/obu-negotiator/internal/negotiation"
	"github.com/signalsfoundry/obu-negotiator/internal/transport"
)

var (
	// ErrUnknownUnit is returned by Unit for an id missing from the table.
	ErrUnknownUnit = errors.New("unknown OBU id")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid configuration")
)

// Defaults.
const (
	DefaultTick            = time.Second
	DefaultPoll            = time.Second
	DefaultMarginM         = 15.0
	DefaultProximityM      = 35.0
	DefaultHistory         = 8
	DefaultCircleTolerance = 5.0
	DefaultSmoothingAlpha  = 0.5
	DefaultTemplate        = "in_cam.json"
)

// Config is the root configuration document.
type Config struct {
	MQTT        MQTT                  `json:"mqtt"`
	Negotiation Negotiation           `json:"negotiation"`
	Template    string                `json:"template"`
	Units       map[string]UnitConfig `json:"units"`
}

// MQTT holds the broker settings shared by every unit.
type MQTT struct {
	Port             int    `json:"port"`
	OutboundTopic    string `json:"outbound_topic"`
	InboundTopic     string `json:"inbound_topic"`
	ConnectTimeoutMS int    `json:"connect_timeout_ms"`
}

// ConnectTimeout returns the connect timeout as a duration.
func (m MQTT) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutMS) * time.Millisecond
}

// Negotiation tunes the zone model, the threat strategy and the loops.
type Negotiation struct {
	TickMS         int     `json:"tick_ms"`
	PollMS         int     `json:"poll_ms"`
	MaxYieldWaitMS int     `json:"max_yield_wait_ms"` // 0 waits indefinitely
	MarginM        float64 `json:"margin_m"`
	ProximityM     float64 `json:"proximity_m"`
	HistorySize    int     `json:"history_size"`

	Strategy         string  `json:"strategy"`
	ConeMinDeg       float64 `json:"cone_min_deg"`
	ConeMaxDeg       float64 `json:"cone_max_deg"`
	QuadrantMinDeg   float64 `json:"quadrant_min_deg"`
	QuadrantMaxDeg   float64 `json:"quadrant_max_deg"`
	CircleToleranceM float64 `json:"circle_tolerance_m"`
	SmoothingAlpha   float64 `json:"smoothing_alpha"`
}

// Tick is the pause between waypoints.
func (n Negotiation) Tick() time.Duration { return time.Duration(n.TickMS) * time.Millisecond }

// Poll is the re-check cadence while yielding.
func (n Negotiation) Poll() time.Duration { return time.Duration(n.PollMS) * time.Millisecond }

// MaxYieldWait bounds a single yield; zero means unbounded.
func (n Negotiation) MaxYieldWait() time.Duration {
	return time.Duration(n.MaxYieldWaitMS) * time.Millisecond
}

// Classifier returns the threat classifier settings.
func (n Negotiation) Classifier() negotiation.ClassifierConfig {
	return negotiation.ClassifierConfig{
		Strategy:        n.Strategy,
		ConeMinDeg:      n.ConeMinDeg,
		ConeMaxDeg:      n.ConeMaxDeg,
		QuadrantMinDeg:  n.QuadrantMinDeg,
		QuadrantMaxDeg:  n.QuadrantMaxDeg,
		CircleTolerance: n.CircleToleranceM,
		SmoothingAlpha:  n.SmoothingAlpha,
	}
}

// UnitConfig is one row of the OBU table.
type UnitConfig struct {
	Path   string `json:"path"`   // waypoint file (GPX or GeoJSON)
	Zone   string `json:"zone"`   // conflict zone file: center, then a boundary point
	Broker string `json:"broker"` // MQTT broker host
}

// ApplyDefaults fills every zero field with its default.
func (c Config) ApplyDefaults() Config {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = transport.DefaultPort
	}
	if c.MQTT.OutboundTopic == "" {
		c.MQTT.OutboundTopic = transport.TopicOutbound
	}
	if c.MQTT.InboundTopic == "" {
		c.MQTT.InboundTopic = transport.TopicInbound
	}
	if c.MQTT.ConnectTimeoutMS <= 0 {
		c.MQTT.ConnectTimeoutMS = int(transport.DefaultConnectTimeout / time.Millisecond)
	}

	n := &c.Negotiation
	if n.TickMS <= 0 {
		n.TickMS = int(DefaultTick / time.Millisecond)
	}
	if n.PollMS <= 0 {
		n.PollMS = int(DefaultPoll / time.Millisecond)
	}
	if n.MarginM == 0 {
		n.MarginM = DefaultMarginM
	}
	if n.ProximityM == 0 {
		n.ProximityM = DefaultProximityM
	}
	if n.HistorySize <= 0 {
		n.HistorySize = DefaultHistory
	}
	if n.Strategy == "" {
		n.Strategy = negotiation.StrategyBearingCone
	}
	if n.ConeMinDeg == 0 && n.ConeMaxDeg == 0 {
		n.ConeMinDeg, n.ConeMaxDeg = 210, 350
	}
	if n.QuadrantMinDeg == 0 && n.QuadrantMaxDeg == 0 {
		n.QuadrantMinDeg, n.QuadrantMaxDeg = 45, 135
	}
	if n.CircleToleranceM == 0 {
		n.CircleToleranceM = DefaultCircleTolerance
	}
	if n.SmoothingAlpha == 0 {
		n.SmoothingAlpha = DefaultSmoothingAlpha
	}

	if c.Template == "" {
		c.Template = DefaultTemplate
	}
	return c
}

// Validate reports the first inconsistency, wrapped in ErrInvalid.
func (c Config) Validate() error {
	n := c.Negotiation
	switch {
	case n.MarginM < 0:
		return fmt.Errorf("%w: negative margin %v", ErrInvalid, n.MarginM)
	case n.ProximityM <= 0:
		return fmt.Errorf("%w: proximity must be positive, got %v", ErrInvalid, n.ProximityM)
	case n.MaxYieldWaitMS < 0:
		return fmt.Errorf("%w: negative max yield wait", ErrInvalid)
	case n.SmoothingAlpha <= 0 || n.SmoothingAlpha > 1:
		return fmt.Errorf("%w: smoothing alpha %v outside (0, 1]", ErrInvalid, n.SmoothingAlpha)
	case n.ConeMinDeg > n.ConeMaxDeg:
		return fmt.Errorf("%w: cone %v..%v is empty", ErrInvalid, n.ConeMinDeg, n.ConeMaxDeg)
	case n.QuadrantMinDeg >= n.QuadrantMaxDeg:
		return fmt.Errorf("%w: quadrant %v..%v is empty", ErrInvalid, n.QuadrantMinDeg, n.QuadrantMaxDeg)
	}
	switch n.Strategy {
	case negotiation.StrategyBearingCone, negotiation.StrategyCircleFitQuadrant:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalid, n.Strategy)
	}

	if len(c.Units) == 0 {
		return fmt.Errorf("%w: no units configured", ErrInvalid)
	}
	for _, id := range c.UnitIDs() {
		u := c.Units[id]
		if u.Path == "" || u.Zone == "" {
			return fmt.Errorf("%w: unit %s needs both path and zone", ErrInvalid, id)
		}
	}
	return nil
}

// UnitIDs returns the configured OBU ids in sorted order.
func (c Config) UnitIDs() []string {
	ids := make([]string, 0, len(c.Units))
	for id := range c.Units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unit returns the table row for id.
func (c Config) Unit(id string) (UnitConfig, error) {
	u, ok := c.Units[id]
	if !ok {
		return UnitConfig{}, fmt.Errorf("%q (known: %v): %w", id, c.UnitIDs(), ErrUnknownUnit)
	}
	return u, nil
}

// Decode reads a configuration document from r, applies defaults and
// validates it. Relative file references are left untouched.
func Decode(r io.Reader) (Config, error) {
	var c Config
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c = c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads the configuration file at path. Relative file references
// (template, unit paths and zones) are resolved against the file's
// directory.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	c.Template = resolve(dir, c.Template)
	for id, u := range c.Units {
		u.Path = resolve(dir, u.Path)
		u.Zone = resolve(dir, u.Zone)
		c.Units[id] = u
	}
	return c, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
