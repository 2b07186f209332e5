// Package beacon encodes outbound CAM beacons from a template and decodes
// inbound ones into peer positions.
package beacon

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/obu-negotiator/model"
)

// CAM field names read and written by the codec.
const (
	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
	FieldStationID = "stationID"
	FieldOBUID     = "obu_id"
)

var (
	// ErrMalformed indicates a payload that is not a JSON object.
	ErrMalformed = errors.New("malformed beacon")
	// ErrNoPosition indicates a well-formed beacon without usable
	// latitude/longitude fields.
	ErrNoPosition = errors.New("beacon has no position")
)

// Beacon is the decoded content of an inbound CAM that the negotiation
// cares about.
type Beacon struct {
	Position     model.Coordinate
	OriginatorID string // obu_id, else the decimal stationID, else empty
	StationID    int64
	HasStationID bool
}

// Decode parses a CAM payload. Undecodable payloads yield ErrMalformed;
// payloads without numeric latitude and longitude yield ErrNoPosition.
func Decode(payload []byte) (Beacon, error) {
	var msg structpb.Struct
	if err := protojson.Unmarshal(payload, &msg); err != nil {
		return Beacon{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	lat, okLat := numberField(&msg, FieldLatitude)
	lon, okLon := numberField(&msg, FieldLongitude)
	if !okLat || !okLon {
		return Beacon{}, ErrNoPosition
	}

	b := Beacon{Position: model.Coordinate{Lat: lat, Lon: lon}}
	if v, ok := msg.GetFields()[FieldOBUID]; ok {
		b.OriginatorID = identifierText(v)
	}
	if id, ok := numberField(&msg, FieldStationID); ok {
		b.StationID = int64(id)
		b.HasStationID = true
	}
	if b.OriginatorID == "" && b.HasStationID {
		b.OriginatorID = strconv.FormatInt(b.StationID, 10)
	}
	return b, nil
}

func numberField(msg *structpb.Struct, name string) (float64, bool) {
	v, ok := msg.GetFields()[name]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, false
	}
	return n.NumberValue, true
}

// identifierText normalises an obu_id that may have been sent as a string
// or as a number.
func identifierText(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	default:
		return ""
	}
}

// Template is the unit's base CAM message, loaded once at startup. Render
// never mutates it, so one Template may be shared across goroutines.
type Template struct {
	base *structpb.Struct
}

// Stamp holds the per-tick values written into a rendered beacon.
type Stamp struct {
	Position model.Coordinate
	UnitID   string
}

// ParseTemplate parses a JSON object into a Template.
func ParseTemplate(data []byte) (*Template, error) {
	var base structpb.Struct
	if err := protojson.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("parse beacon template: %w", err)
	}
	return &Template{base: &base}, nil
}

// LoadTemplate reads and parses a template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read beacon template %q: %w", path, err)
	}
	return ParseTemplate(data)
}

// EmptyTemplate returns a template with no base fields.
func EmptyTemplate() *Template {
	return &Template{base: &structpb.Struct{Fields: map[string]*structpb.Value{}}}
}

// Render returns the serialized beacon for s: the template with latitude,
// longitude and obu_id overwritten, and stationID set when the unit ID is
// numeric.
func (t *Template) Render(s Stamp) ([]byte, error) {
	msg := proto.Clone(t.base).(*structpb.Struct)
	if msg.Fields == nil {
		msg.Fields = map[string]*structpb.Value{}
	}
	msg.Fields[FieldLatitude] = structpb.NewNumberValue(s.Position.Lat)
	msg.Fields[FieldLongitude] = structpb.NewNumberValue(s.Position.Lon)
	if s.UnitID != "" {
		msg.Fields[FieldOBUID] = structpb.NewStringValue(s.UnitID)
		if id, err := strconv.ParseInt(s.UnitID, 10, 64); err == nil {
			msg.Fields[FieldStationID] = structpb.NewNumberValue(float64(id))
		}
	}

	out, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("render beacon: %w", err)
	}
	return out, nil
}
