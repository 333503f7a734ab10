package footprint

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagery-mosaic/internal/common"
)

func TestTileKey(t *testing.T) {
	assert.Equal(t, "18TWR", TileKey("COPERNICUS/S2/20200729T153819_20200729T154402_T18TWR"))
	assert.Equal(t, "18TWR", TileKey("20200729T153819_20200729T154402_T18TWR"))
	assert.Equal(t, "ab", TileKey("ab"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Footprint{Name: "18TWR", EPSG: 4326, Geometry: orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}}})
	assert.Equal(t, 1, s.Len())

	fp, err := s.Lookup(context.Background(), "18TWR")
	require.NoError(t, err)
	assert.Equal(t, 4326, fp.EPSG)

	_, err = s.Lookup(context.Background(), "18TXR")
	assert.ErrorIs(t, err, common.ErrUnknownTile)
}

// writeGeoPackage creates a minimal GeoPackage with one S2 tile
func writeGeoPackage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "S2_tiles.gpkg")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var w wkbBuilder
	w.header(6)
	w.count(1)
	w.squareZ(0)

	stmts := []string{
		`CREATE TABLE gpkg_spatial_ref_sys (srs_name TEXT, srs_id INTEGER PRIMARY KEY, organization TEXT, organization_coordsys_id INTEGER, definition TEXT)`,
		`INSERT INTO gpkg_spatial_ref_sys VALUES ('WGS 84', 4326, 'EPSG', 4326, '')`,
		`CREATE TABLE gpkg_geometry_columns (table_name TEXT, column_name TEXT, geometry_type_name TEXT, srs_id INTEGER, z INTEGER, m INTEGER)`,
		`INSERT INTO gpkg_geometry_columns VALUES ('S2_tiles', 'geom', 'MULTIPOLYGON', 4326, 1, 0)`,
		`CREATE TABLE S2_tiles (fid INTEGER PRIMARY KEY, Name TEXT, geom BLOB)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	_, err = db.Exec(`INSERT INTO S2_tiles (Name, geom) VALUES (?, ?)`, "18TWR", gpkgBlob(4326, w.Bytes()))
	require.NoError(t, err)
	return path
}

func TestGeoPackageStoreLookup(t *testing.T) {
	ctx := context.Background()
	s, err := OpenGeoPackage(ctx, writeGeoPackage(t), GeoPackageOptions{CacheSize: 4})
	require.NoError(t, err)
	defer s.Close()

	fp, err := s.Lookup(ctx, "18TWR")
	require.NoError(t, err)
	assert.Equal(t, "18TWR", fp.Name)
	assert.Equal(t, 4326, fp.EPSG)
	require.Len(t, fp.Geometry, 1)
	assert.Equal(t, orb.Point{1, 1}, fp.Geometry[0][0][2])

	// second lookup is served from the cache
	again, err := s.Lookup(ctx, "18TWR")
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	_, err = s.Lookup(ctx, "31UDQ")
	assert.ErrorIs(t, err, common.ErrUnknownTile)
}

func TestGeoPackageStoreMissingTable(t *testing.T) {
	_, err := OpenGeoPackage(context.Background(), writeGeoPackage(t), GeoPackageOptions{Table: "other"})
	assert.Error(t, err)
}
