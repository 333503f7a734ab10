package footprint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"imagery-mosaic/internal/common"
)

// DefaultNameColumn is the tile-name column of the Sentinel-2 tiling grid
const DefaultNameColumn = "Name"

// DefaultCacheSize is the number of decoded footprints kept in memory
const DefaultCacheSize = 512

// GeoPackageStore reads footprints from a GeoPackage feature table.
// Decoded geometries are kept in an LRU cache keyed by tile name.
type GeoPackageStore struct {
	db         *sql.DB
	table      string
	geomColumn string
	nameColumn string
	srs        map[int32]int // gpkg srs_id -> EPSG code
	cache      *lru.Cache[string, Footprint]
	logger     zerolog.Logger
}

// GeoPackageOptions selects the feature table and key column. Empty fields
// fall back to the first feature table and DefaultNameColumn.
type GeoPackageOptions struct {
	Table      string
	NameColumn string
	CacheSize  int
	Logger     *zerolog.Logger
}

// OpenGeoPackage opens a GeoPackage read-only and resolves its feature table
func OpenGeoPackage(ctx context.Context, path string, opts GeoPackageOptions) (*GeoPackageStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open footprint store: %w", err)
	}

	s := &GeoPackageStore{
		db:         db,
		table:      opts.Table,
		nameColumn: opts.NameColumn,
		srs:        make(map[int32]int),
		logger:     zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.logger = opts.Logger.With().Str("component", "footprint").Logger()
	}
	if s.nameColumn == "" {
		s.nameColumn = DefaultNameColumn
	}

	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	if s.cache, err = lru.New[string, Footprint](size); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.resolveTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadSpatialRefs(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", path).Str("table", s.table).Str("geometry", s.geomColumn).
		Msg("footprint store opened")
	return s, nil
}

func (s *GeoPackageStore) resolveTable(ctx context.Context) error {
	query := `SELECT table_name, column_name FROM gpkg_geometry_columns`
	args := []any{}
	if s.table != "" {
		query += ` WHERE table_name = ?`
		args = append(args, s.table)
	}
	query += ` ORDER BY table_name LIMIT 1`

	err := s.db.QueryRowContext(ctx, query, args...).Scan(&s.table, &s.geomColumn)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no feature table %q in GeoPackage", s.table)
	}
	if err != nil {
		return fmt.Errorf("failed to read gpkg_geometry_columns: %w", err)
	}
	return nil
}

func (s *GeoPackageStore) loadSpatialRefs(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT srs_id, organization, organization_coordsys_id FROM gpkg_spatial_ref_sys`)
	if err != nil {
		return fmt.Errorf("failed to read gpkg_spatial_ref_sys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int32
		var org string
		var code int
		if err := rows.Scan(&id, &org, &code); err != nil {
			return err
		}
		if strings.EqualFold(org, "EPSG") {
			s.srs[id] = code
		}
	}
	return rows.Err()
}

// Lookup returns the footprint of a tile, decoding it on first use
func (s *GeoPackageStore) Lookup(ctx context.Context, key string) (Footprint, error) {
	if fp, ok := s.cache.Get(key); ok {
		return fp, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`,
		quoteIdent(s.geomColumn), quoteIdent(s.table), quoteIdent(s.nameColumn))

	var blob []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Footprint{}, fmt.Errorf("%w: %s", common.ErrUnknownTile, key)
	}
	if err != nil {
		return Footprint{}, fmt.Errorf("failed to query footprint %s: %w", key, err)
	}

	geom, srsID, err := DecodeGeoPackage(blob)
	if err != nil {
		return Footprint{}, fmt.Errorf("failed to decode footprint %s: %w", key, err)
	}
	epsg, ok := s.srs[srsID]
	if !ok {
		return Footprint{}, fmt.Errorf("footprint %s uses srs_id %d with no EPSG mapping", key, srsID)
	}

	fp := Footprint{Name: key, Geometry: geom, EPSG: epsg}
	s.cache.Add(key, fp)
	s.logger.Debug().Str("tile", key).Int("parts", len(geom)).Int("epsg", epsg).Msg("footprint decoded")
	return fp, nil
}

// Close releases the database handle
func (s *GeoPackageStore) Close() error {
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
