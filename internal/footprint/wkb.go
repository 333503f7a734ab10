package footprint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// WKB geometry type codes
const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	wkbGeometryCollection = 7

	ewkbZ    = 0x80000000
	ewkbM    = 0x40000000
	ewkbSRID = 0x20000000
)

var errShortBuffer = errors.New("wkb: unexpected end of data")

// gpkgHeader is the fixed part of a GeoPackage geometry blob header
type gpkgHeader struct {
	srsID int32
	empty bool
	size  int // total header length including envelope
}

// parseGeoPackageHeader reads the "GP" blob header that precedes the WKB payload
func parseGeoPackageHeader(blob []byte) (gpkgHeader, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return gpkgHeader{}, fmt.Errorf("not a GeoPackage geometry blob")
	}
	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&0x01 != 0 {
		order = binary.LittleEndian
	}

	var envelope int
	switch (flags >> 1) & 0x07 {
	case 0:
		envelope = 0
	case 1:
		envelope = 32
	case 2, 3:
		envelope = 48
	case 4:
		envelope = 64
	default:
		return gpkgHeader{}, fmt.Errorf("invalid GeoPackage envelope indicator %d", (flags>>1)&0x07)
	}

	h := gpkgHeader{
		srsID: int32(order.Uint32(blob[4:8])),
		empty: flags&0x10 != 0,
		size:  8 + envelope,
	}
	if len(blob) < h.size {
		return gpkgHeader{}, errShortBuffer
	}
	return h, nil
}

// wkbReader decodes polygonal WKB, dropping Z and M ordinates
type wkbReader struct {
	buf []byte
	pos int
}

func (r *wkbReader) uint32(order binary.ByteOrder) (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errShortBuffer
	}
	v := order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *wkbReader) float64(order binary.ByteOrder) (float64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, errShortBuffer
	}
	v := math.Float64frombits(order.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v, nil
}

// header reads byte order, base type and ordinate count of the next geometry
func (r *wkbReader) header() (binary.ByteOrder, uint32, int, error) {
	if r.pos >= len(r.buf) {
		return nil, 0, 0, errShortBuffer
	}
	var order binary.ByteOrder = binary.BigEndian
	if r.buf[r.pos] == 1 {
		order = binary.LittleEndian
	}
	r.pos++

	raw, err := r.uint32(order)
	if err != nil {
		return nil, 0, 0, err
	}

	dims := 2
	if raw&ewkbZ != 0 {
		dims++
	}
	if raw&ewkbM != 0 {
		dims++
	}
	if raw&ewkbSRID != 0 {
		if _, err := r.uint32(order); err != nil {
			return nil, 0, 0, err
		}
	}
	raw &^= ewkbZ | ewkbM | ewkbSRID

	// ISO type codes: 1000 = Z, 2000 = M, 3000 = ZM
	switch raw / 1000 {
	case 1, 2:
		dims++
	case 3:
		dims += 2
	}
	return order, raw % 1000, dims, nil
}

func (r *wkbReader) ring(order binary.ByteOrder, dims int) (orb.Ring, error) {
	n, err := r.uint32(order)
	if err != nil {
		return nil, err
	}
	if int(n)*dims*8 > len(r.buf)-r.pos {
		return nil, errShortBuffer
	}
	ring := make(orb.Ring, n)
	for i := range ring {
		x, _ := r.float64(order)
		y, _ := r.float64(order)
		// discard elevation and measure
		r.pos += (dims - 2) * 8
		ring[i] = orb.Point{x, y}
	}
	return ring, nil
}

func (r *wkbReader) polygon(order binary.ByteOrder, dims int) (orb.Polygon, error) {
	n, err := r.uint32(order)
	if err != nil {
		return nil, err
	}
	poly := make(orb.Polygon, 0, n)
	for i := uint32(0); i < n; i++ {
		ring, err := r.ring(order, dims)
		if err != nil {
			return nil, err
		}
		poly = append(poly, ring)
	}
	return poly, nil
}

// polygons reads the next geometry and appends its polygonal parts
func (r *wkbReader) polygons(dst orb.MultiPolygon) (orb.MultiPolygon, error) {
	order, kind, dims, err := r.header()
	if err != nil {
		return nil, err
	}

	switch kind {
	case wkbPolygon:
		poly, err := r.polygon(order, dims)
		if err != nil {
			return nil, err
		}
		return append(dst, poly), nil
	case wkbMultiPolygon, wkbGeometryCollection:
		n, err := r.uint32(order)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			if dst, err = r.polygons(dst); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case wkbPoint, wkbLineString, wkbMultiPoint, wkbMultiLineString:
		return nil, fmt.Errorf("wkb: geometry type %d has no area", kind)
	default:
		return nil, fmt.Errorf("wkb: unsupported geometry type %d", kind)
	}
}

// DecodeWKB decodes polygonal WKB or EWKB (including Z/M variants) into a
// 2D multipolygon. Geometry collections are flattened into their polygons.
func DecodeWKB(data []byte) (orb.MultiPolygon, error) {
	r := &wkbReader{buf: data}
	return r.polygons(nil)
}

// DecodeGeoPackage decodes a GeoPackage geometry blob and returns the
// geometry with the blob's srs_id
func DecodeGeoPackage(blob []byte) (orb.MultiPolygon, int32, error) {
	h, err := parseGeoPackageHeader(blob)
	if err != nil {
		return nil, 0, err
	}
	if h.empty {
		return orb.MultiPolygon{}, h.srsID, nil
	}
	mp, err := DecodeWKB(blob[h.size:])
	if err != nil {
		return nil, 0, err
	}
	return mp, h.srsID, nil
}
