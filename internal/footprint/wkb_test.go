package footprint

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wkbBuilder writes little-endian WKB for tests
type wkbBuilder struct {
	bytes.Buffer
}

func (b *wkbBuilder) header(kind uint32) {
	b.WriteByte(1)
	binary.Write(b, binary.LittleEndian, kind)
}

func (b *wkbBuilder) count(n int) {
	binary.Write(b, binary.LittleEndian, uint32(n))
}

func (b *wkbBuilder) coords(vals ...float64) {
	for _, v := range vals {
		binary.Write(b, binary.LittleEndian, math.Float64bits(v))
	}
}

// squareZ writes a PolygonZ (ISO 1003) unit square offset by dx
func (b *wkbBuilder) squareZ(dx float64) {
	b.header(1003)
	b.count(1)
	b.count(5)
	b.coords(dx, 0, 100, dx+1, 0, 100, dx+1, 1, 100, dx, 1, 100, dx, 0, 100)
}

func TestDecodeWKBPolygonZDropsElevation(t *testing.T) {
	var b wkbBuilder
	b.squareZ(0)

	mp, err := DecodeWKB(b.Bytes())
	require.NoError(t, err)
	require.Len(t, mp, 1)
	assert.Equal(t, orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}, mp[0][0])
}

func TestDecodeWKBFlattensCollections(t *testing.T) {
	var b wkbBuilder
	b.header(7) // GeometryCollection
	b.count(2)
	b.squareZ(0)
	b.header(6) // MultiPolygon
	b.count(1)
	b.squareZ(5)

	mp, err := DecodeWKB(b.Bytes())
	require.NoError(t, err)
	require.Len(t, mp, 2)
	assert.Equal(t, orb.Point{5, 0}, mp[1][0][0])
}

func TestDecodeWKBEWKBFlags(t *testing.T) {
	var b wkbBuilder
	b.header(3 | ewkbZ | ewkbSRID)
	binary.Write(&b, binary.LittleEndian, uint32(4326))
	b.count(1)
	b.count(4)
	b.coords(0, 0, 1, 2, 0, 1, 0, 2, 1, 0, 0, 1)

	mp, err := DecodeWKB(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, orb.Point{2, 0}, mp[0][0][1])
}

func TestDecodeWKBErrors(t *testing.T) {
	var b wkbBuilder
	b.header(1)
	b.coords(1, 2)
	_, err := DecodeWKB(b.Bytes())
	assert.Error(t, err, "points have no area")

	var short wkbBuilder
	short.header(3)
	short.count(1)
	short.count(10)
	_, err = DecodeWKB(short.Bytes())
	assert.ErrorIs(t, err, errShortBuffer)
}

func gpkgBlob(srsID int32, wkb []byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{'G', 'P', 0, 0x03}) // little endian, 32-byte envelope
	binary.Write(&b, binary.LittleEndian, srsID)
	b.Write(make([]byte, 32))
	b.Write(wkb)
	return b.Bytes()
}

func TestDecodeGeoPackage(t *testing.T) {
	var w wkbBuilder
	w.squareZ(0)

	mp, srs, err := DecodeGeoPackage(gpkgBlob(4326, w.Bytes()))
	require.NoError(t, err)
	assert.EqualValues(t, 4326, srs)
	assert.Len(t, mp, 1)

	_, _, err = DecodeGeoPackage([]byte("nope"))
	assert.Error(t, err)
}
