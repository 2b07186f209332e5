// Package pathsource loads ordered coordinate lists (a unit's waypoints or
// a conflict zone outline) from GPX or GeoJSON files.
package pathsource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tkrajina/gpxgo/gpx"

	"github.com/signalsfoundry/obu-negotiator/model"
)

// ErrUnsupportedFormat is returned for files that are neither GPX nor
// GeoJSON.
var ErrUnsupportedFormat = errors.New("unsupported path format")

// Load reads the coordinates in path, choosing the decoder by extension.
func Load(path string) ([]model.Coordinate, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpx":
		return LoadGPX(path)
	case ".geojson", ".json":
		return LoadGeoJSON(path)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
}

// LoadGPX returns every track point (tracks, then segments, in file order)
// followed by every waypoint.
func LoadGPX(path string) ([]model.Coordinate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gpx: %w", err)
	}
	return ParseGPX(data)
}

// ParseGPX is LoadGPX on an in-memory document.
func ParseGPX(data []byte) ([]model.Coordinate, error) {
	g, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse gpx: %w", err)
	}

	var out []model.Coordinate
	for _, trk := range g.Tracks {
		for _, seg := range trk.Segments {
			for _, p := range seg.Points {
				out = append(out, model.Coordinate{Lat: p.Latitude, Lon: p.Longitude})
			}
		}
	}
	for _, p := range g.Waypoints {
		out = append(out, model.Coordinate{Lat: p.Latitude, Lon: p.Longitude})
	}
	return out, nil
}

// LoadGeoJSON accepts a Feature, a FeatureCollection or a bare geometry.
// Collections contribute the vertices of each feature in order.
func LoadGeoJSON(path string) ([]model.Coordinate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	return ParseGeoJSON(data)
}

// ParseGeoJSON is LoadGeoJSON on an in-memory document.
func ParseGeoJSON(data []byte) ([]model.Coordinate, error) {
	if f, err := geojson.UnmarshalFeature(data); err == nil {
		return vertices(f.Geometry), nil
	}

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil {
		var out []model.Coordinate
		for _, f := range fc.Features {
			out = append(out, vertices(f.Geometry)...)
		}
		return out, nil
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	return vertices(g.Geometry()), nil
}

// vertices flattens a geometry into its vertex list. Polygons contribute
// their outer ring only.
func vertices(g orb.Geometry) []model.Coordinate {
	var pts []orb.Point
	switch g := g.(type) {
	case orb.Point:
		pts = []orb.Point{g}
	case orb.MultiPoint:
		pts = g
	case orb.LineString:
		pts = g
	case orb.Ring:
		pts = g
	case orb.MultiLineString:
		for _, ls := range g {
			pts = append(pts, ls...)
		}
	case orb.Polygon:
		if len(g) > 0 {
			pts = g[0]
		}
	case orb.Collection:
		var out []model.Coordinate
		for _, sub := range g {
			out = append(out, vertices(sub)...)
		}
		return out
	}

	out := make([]model.Coordinate, 0, len(pts))
	for _, p := range pts {
		out = append(out, model.FromPoint(p))
	}
	return out
}
