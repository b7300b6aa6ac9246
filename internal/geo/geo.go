// Package geo resolves coordinates to storage partitions (cells) and measures
// great-circle distances between points.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/s2"
	"github.com/mmcloughlin/geohash"
)

// EarthRadiusMeters is the IUGG mean radius.
const EarthRadiusMeters = 6371008.8

const metersPerDegreeLat = math.Pi * EarthRadiusMeters / 180

var ErrTooManyCells = errors.New("geo: area covers too many cells")

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Bounds is an axis-aligned lat/lng rectangle. Rectangles crossing the
// antimeridian are not supported.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

func (b Bounds) Valid() bool {
	return Point{b.MinLat, b.MinLng}.Valid() && Point{b.MaxLat, b.MaxLng}.Valid() &&
		b.MinLat <= b.MaxLat && b.MinLng <= b.MaxLng
}

func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	angle := s2.LatLngFromDegrees(a.Lat, a.Lng).Distance(s2.LatLngFromDegrees(b.Lat, b.Lng))
	return angle.Radians() * EarthRadiusMeters
}

// BoundsAround returns a rectangle containing every point within meters of
// center, clamped to valid coordinates.
func BoundsAround(center Point, meters float64) Bounds {
	dLat := meters / metersPerDegreeLat
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	dLng := 180.0
	if cosLat > 1e-9 {
		dLng = math.Min(180, dLat/cosLat)
	}
	return Bounds{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
		MinLng: math.Max(-180, center.Lng-dLng),
		MaxLng: math.Min(180, center.Lng+dLng),
	}
}

// CellResolver maps coordinates onto partition keys.
type CellResolver interface {
	ResolveCell(p Point) (string, error)
	// CoverCells lists every cell that intersects b, failing with
	// ErrTooManyCells beyond limit. A limit <= 0 means unbounded.
	CoverCells(b Bounds, limit int) ([]string, error)
}

// GeohashResolver partitions the globe into geohash cells of a fixed
// precision. Precision 6 gives cells of roughly 1.2km x 0.6km.
type GeohashResolver struct {
	Precision uint
}

func NewGeohashResolver(precision uint) *GeohashResolver {
	return &GeohashResolver{Precision: precision}
}

func (r *GeohashResolver) ResolveCell(p Point) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("geo: invalid point %v,%v", p.Lat, p.Lng)
	}
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, r.Precision), nil
}

func (r *GeohashResolver) CoverCells(b Bounds, limit int) ([]string, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("geo: invalid bounds %+v", b)
	}
	const eps = 1e-9

	seen := make(map[string]struct{})
	cells := make([]string, 0, 9)
	lat := b.MinLat
	for {
		rowHash := geohash.EncodeWithPrecision(lat, b.MinLng, r.Precision)
		row := geohash.BoundingBox(rowHash)
		lng := b.MinLng
		for {
			hash := geohash.EncodeWithPrecision(lat, lng, r.Precision)
			if _, ok := seen[hash]; !ok {
				seen[hash] = struct{}{}
				cells = append(cells, hash)
				if limit > 0 && len(cells) > limit {
					return nil, ErrTooManyCells
				}
			}
			box := geohash.BoundingBox(hash)
			if box.MaxLng >= b.MaxLng || box.MaxLng >= 180 {
				break
			}
			lng = box.MaxLng + eps
		}
		if row.MaxLat >= b.MaxLat || row.MaxLat >= 90 {
			break
		}
		lat = row.MaxLat + eps
	}
	return cells, nil
}

// CellSize returns the height and width in degrees of a geohash cell of the
// given precision.
func CellSize(precision uint) (latDeg, lngDeg float64) {
	bits := 5 * int(precision)
	lngBits := (bits + 1) / 2
	latBits := bits / 2
	return 180 / math.Exp2(float64(latBits)), 360 / math.Exp2(float64(lngBits))
}

// EstimateCoverCells is an upper bound on the number of cells CoverCells
// returns for b at the given precision.
func EstimateCoverCells(precision uint, b Bounds) int {
	latDeg, lngDeg := CellSize(precision)
	rows := math.Ceil((b.MaxLat-b.MinLat)/latDeg) + 1
	cols := math.Ceil((b.MaxLng-b.MinLng)/lngDeg) + 1
	if n := rows * cols; n < math.MaxInt32 {
		return int(n)
	}
	return math.MaxInt32
}
