package core

import "math"

// metersPerDegreeLat is the equirectangular approximation used to map
// canvas offsets onto geographic coordinates near the reference point.
const metersPerDegreeLat = 111320.0

// LocationReference anchors the session canvas in geographic space: a
// reference geo point pinned to a reference canvas position, with a
// scale in meters per canvas unit. It lets node positions be expressed
// either way, with the non-authoritative form derived on demand.
type LocationReference struct {
	RefGeo Geo      `json:"ref_geo"`
	RefPos Position `json:"ref_pos"`
	// Scale is meters per canvas unit; zero behaves as 1.0.
	Scale float64 `json:"scale"`
}

func (l *LocationReference) scale() float64 {
	if l == nil || l.Scale == 0 {
		return 1.0
	}
	return l.Scale
}

func (l *LocationReference) refs() (Geo, Position) {
	if l == nil {
		return Geo{}, Position{}
	}
	return l.RefGeo, l.RefPos
}

// GeoFromPlanar derives the geographic position for a canvas position.
// Canvas Y grows downward, so northward displacement is negative Y.
func (l *LocationReference) GeoFromPlanar(p Position) Geo {
	refGeo, refPos := l.refs()
	s := l.scale()

	east := (p.X - refPos.X) * s
	north := -(p.Y - refPos.Y) * s
	up := (p.Z - refPos.Z) * s

	lat := refGeo.Lat + north/metersPerDegreeLat
	lonScale := metersPerDegreeLat * math.Cos(refGeo.Lat*math.Pi/180)
	lon := refGeo.Lon
	if lonScale != 0 {
		lon += east / lonScale
	}
	return Geo{Lat: lat, Lon: lon, Alt: refGeo.Alt + up}
}

// PlanarFromGeo derives the canvas position for a geographic position.
func (l *LocationReference) PlanarFromGeo(g Geo) Position {
	refGeo, refPos := l.refs()
	s := l.scale()

	north := (g.Lat - refGeo.Lat) * metersPerDegreeLat
	lonScale := metersPerDegreeLat * math.Cos(refGeo.Lat*math.Pi/180)
	east := (g.Lon - refGeo.Lon) * lonScale
	up := g.Alt - refGeo.Alt

	return Position{
		X: refPos.X + east/s,
		Y: refPos.Y - north/s,
		Z: refPos.Z + up/s,
	}
}
