package beacon

import (
	"context"
	"errors"

	"github.com/signalsfoundry/obu-negotiator/internal/logging"
	"github.com/signalsfoundry/obu-negotiator/model"
)

// Handling results reported to the MetricsRecorder.
const (
	ResultAccepted   = "accepted"
	ResultSelf       = "self"
	ResultMalformed  = "malformed"
	ResultNoPosition = "no_position"
)

// PeerUpdater is the write side of the peer state store.
type PeerUpdater interface {
	Update(pos model.Coordinate, originatorID string) bool
}

// MetricsRecorder receives one call per handled beacon.
type MetricsRecorder interface {
	BeaconReceived(result string)
}

// Receiver turns inbound beacons into peer state updates. Handle is safe
// to call from any goroutine the transport delivers on.
type Receiver struct {
	store   PeerUpdater
	log     logging.Logger
	metrics MetricsRecorder
}

// ReceiverOption customises a Receiver.
type ReceiverOption func(*Receiver)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) ReceiverOption {
	return func(r *Receiver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// NewReceiver constructs a receiver writing into store.
func NewReceiver(store PeerUpdater, opts ...ReceiverOption) *Receiver {
	r := &Receiver{store: store, log: logging.Noop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle decodes one inbound payload and updates the peer store. Bad
// payloads are logged and dropped; Handle never panics on input.
func (r *Receiver) Handle(topic string, payload []byte) {
	ctx := context.Background()

	b, err := Decode(payload)
	switch {
	case errors.Is(err, ErrNoPosition):
		r.record(ResultNoPosition)
		r.log.Debug(ctx, "ignoring beacon without position", logging.String("topic", topic))
		return
	case err != nil:
		r.record(ResultMalformed)
		r.log.Warn(ctx, "discarding malformed beacon",
			logging.String("topic", topic),
			logging.String("error", err.Error()),
		)
		return
	}

	if !r.store.Update(b.Position, b.OriginatorID) {
		r.record(ResultSelf)
		return
	}
	r.record(ResultAccepted)
	r.log.Debug(ctx, "peer position updated",
		logging.String("originator", b.OriginatorID),
		logging.Float("lat", b.Position.Lat),
		logging.Float("lon", b.Position.Lon),
	)
}

func (r *Receiver) record(result string) {
	if r.metrics != nil {
		r.metrics.BeaconReceived(result)
	}
}
