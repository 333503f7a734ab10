package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromOriginNorthUp(t *testing.T) {
	tr := FromOrigin(500000, 5100000, 10, 10)

	x, y := tr.Apply(0, 0)
	assert.Equal(t, 500000.0, x)
	assert.Equal(t, 5100000.0, y)

	x, y = tr.Apply(3, 2)
	assert.Equal(t, 500030.0, x)
	assert.Equal(t, 5099980.0, y)

	sx, sy := tr.PixelSize()
	assert.Equal(t, 10.0, sx)
	assert.Equal(t, 10.0, sy)
	assert.Equal(t, [6]float64{500000, 10, 0, 5100000, 0, -10}, tr.GDAL())
}

func TestAffineInvert(t *testing.T) {
	tr := Affine{A: 10, B: 1, C: 400000, D: 0.5, E: -10, F: 6000000}
	inv, err := tr.Invert()
	require.NoError(t, err)

	x, y := tr.Apply(12.5, 7.25)
	col, row := inv.Apply(x, y)
	assert.InDelta(t, 12.5, col, 1e-9)
	assert.InDelta(t, 7.25, row, 1e-9)

	_, err = Affine{}.Invert()
	assert.Error(t, err)
}
