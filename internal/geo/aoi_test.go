package geo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAOIVariants(t *testing.T) {
	geometry := `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`
	feature := `{"type":"Feature","properties":{},"geometry":` + geometry + `}`
	collection := `{"type":"FeatureCollection","features":[` +
		`{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[5,5]}},` + feature + `]}`

	for name, doc := range map[string]string{"geometry": geometry, "feature": feature, "collection": collection} {
		t.Run(name, func(t *testing.T) {
			poly, err := ParseAOI([]byte(doc))
			require.NoError(t, err)
			require.Len(t, poly, 1)
			assert.Len(t, poly[0], 5)
		})
	}
}

func TestParseAOIRejectsNonPolygons(t *testing.T) {
	_, err := ParseAOI([]byte(`{"type":"Point","coordinates":[1,2]}`))
	assert.Error(t, err)

	_, err = ParseAOI([]byte(`{"type":"FeatureCollection","features":[]}`))
	assert.Error(t, err)

	_, err = ParseAOI([]byte(`not json`))
	assert.Error(t, err)
}

func TestLoadAOI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aoi.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`), 0644))

	poly, err := LoadAOI(path)
	require.NoError(t, err)
	assert.Len(t, poly[0], 4)

	_, err = LoadAOI(filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}
