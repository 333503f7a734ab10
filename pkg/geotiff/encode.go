// Package geotiff writes tiled float32 GeoTIFF rasters.
package geotiff

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"imagery-mosaic/internal/common"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_SamplesPerPixel           = 277
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_PlanarConfiguration       = 284
	TagType_ResolutionUnit            = 296
	TagType_Software                  = 305
	TagType_TileWidth                 = 322
	TagType_TileLength                = 323
	TagType_TileOffsets               = 324
	TagType_TileByteCounts            = 325
	TagType_SampleFormat              = 339

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GeoDoubleParamsTag = 34736
	TagType_GeoAsciiParamsTag  = 34737

	// GDAL private tags
	TagType_GDALMetadata = 42112
	TagType_GDALNoData   = 42113
)

// GeoKey ids and values
const (
	geoKeyModelType       = 1024
	geoKeyRasterType      = 1025
	geoKeyGeographicType  = 2048
	geoKeyProjectedCSType = 3072
	geoKeyProjLinearUnits = 3076

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	linearUnitMetre     = 9001
	epsgWGS84           = 4326
)

// DefaultTileSize is the edge of the square tiles the raster is split into
const DefaultTileSize = 256

// Software is written to the Software tag
const Software = "imagery-mosaic"

var enc = binary.LittleEndian

// Raster is a georeferenced float32 image, band-major (Bands x Height x Width)
type Raster struct {
	Width     int
	Height    int
	Bands     int
	Data      []float32
	BandNames []string // optional, one per band

	EPSG       int
	OriginX    float64 // ground x of the top-left corner
	OriginY    float64 // ground y of the top-left corner
	PixelSizeX float64
	PixelSizeY float64 // positive; rows run south
	NoData     float64
	TileSize   int // 0 means DefaultTileSize
}

// Validate checks dimensions, data length and georeferencing
func (r *Raster) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil raster", common.ErrWriteFailed)
	case r.Width <= 0 || r.Height <= 0 || r.Bands <= 0:
		return fmt.Errorf("%w: invalid dimensions %dx%dx%d", common.ErrWriteFailed, r.Width, r.Height, r.Bands)
	case len(r.Data) != r.Width*r.Height*r.Bands:
		return fmt.Errorf("%w: raster holds %d samples, expected %d", common.ErrWriteFailed, len(r.Data), r.Width*r.Height*r.Bands)
	case r.EPSG <= 0:
		return fmt.Errorf("%w: missing EPSG code", common.ErrWriteFailed)
	case r.PixelSizeX <= 0 || r.PixelSizeY <= 0:
		return fmt.Errorf("%w: invalid pixel size %gx%g", common.ErrWriteFailed, r.PixelSizeX, r.PixelSizeY)
	case len(r.BandNames) != 0 && len(r.BandNames) != r.Bands:
		return fmt.Errorf("%w: %d band names for %d bands", common.ErrWriteFailed, len(r.BandNames), r.Bands)
	}
	ts := r.tileSize()
	if ts%16 != 0 {
		return fmt.Errorf("%w: tile size %d is not a multiple of 16", common.ErrWriteFailed, ts)
	}
	return nil
}

func (r *Raster) tileSize() int {
	if r.TileSize <= 0 {
		return DefaultTileSize
	}
	return r.TileSize
}

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// Encode writes r to w as an uncompressed, tiled, planar float32 GeoTIFF.
// extraTags is a map of TagID -> value.
// Supported value types: []uint16 (SHORT), []uint32 (LONG), []float64 (DOUBLE), string (ASCII).
func Encode(w io.Writer, r *Raster, extraTags map[uint16]interface{}) error {
	if err := r.Validate(); err != nil {
		return err
	}

	ts := r.tileSize()
	across := (r.Width + ts - 1) / ts
	down := (r.Height + ts - 1) / ts
	tiles := across * down * r.Bands
	tileBytes := ts * ts * 4

	// Header: LittleEndian (II), Version 42, first IFD at offset 8
	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}
	if _, err := w.Write(header); err != nil {
		return err
	}

	var entries []ifdEntry
	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}

	bits := make([]uint16, r.Bands)
	formats := make([]uint16, r.Bands)
	for i := range bits {
		bits[i] = 32
		formats[i] = 3 // IEEE floating point
	}

	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(r.Width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(r.Height)))
	addEntry(TagType_BitsPerSample, DataType_Short, uint32(r.Bands), enc16s(bits))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(1))               // None
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(1)) // BlackIsZero
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(uint16(r.Bands)))
	addEntry(TagType_XResolution, DataType_Rational, 1, encRational(1, 1))
	addEntry(TagType_YResolution, DataType_Rational, 1, encRational(1, 1))
	addEntry(TagType_PlanarConfiguration, DataType_Short, 1, enc16(2)) // Separate planes
	addEntry(TagType_ResolutionUnit, DataType_Short, 1, enc16(1))      // None
	addEntry(TagType_TileWidth, DataType_Long, 1, enc32(uint32(ts)))
	addEntry(TagType_TileLength, DataType_Long, 1, enc32(uint32(ts)))
	addEntry(TagType_SampleFormat, DataType_Short, uint32(r.Bands), enc16s(formats))

	// Placeholders, filled once the data offset is known
	addEntry(TagType_TileOffsets, DataType_Long, uint32(tiles), make([]byte, 4*tiles))
	addEntry(TagType_TileByteCounts, DataType_Long, uint32(tiles), make([]byte, 4*tiles))

	tags := map[uint16]interface{}{
		TagType_Software:           Software,
		TagType_ModelPixelScaleTag: []float64{r.PixelSizeX, r.PixelSizeY, 0},
		TagType_ModelTiepointTag:   []float64{0, 0, 0, r.OriginX, r.OriginY, 0},
		TagType_GeoKeyDirectoryTag: geoKeys(r.EPSG),
		TagType_GDALNoData:         formatNoData(r.NoData),
	}
	if len(r.BandNames) > 0 {
		tags[TagType_GDALMetadata] = gdalMetadata(r.BandNames)
	}
	for tag, val := range extraTags {
		tags[tag] = val
	}
	for tag, val := range tags {
		switch v := val.(type) {
		case []uint16:
			addEntry(tag, DataType_Short, uint32(len(v)), enc16s(v))
		case []uint32:
			addEntry(tag, DataType_Long, uint32(len(v)), enc32s(v))
		case []float64:
			addEntry(tag, DataType_Double, uint32(len(v)), encDoubles(v))
		case string:
			// ASCII needs null terminator
			b := append([]byte(v), 0)
			addEntry(tag, DataType_ASCII, uint32(len(b)), b)
		default:
			return fmt.Errorf("unsupported tag value type for tag %d", tag)
		}
	}

	sort.Sort(byTag(entries))

	// IFD: 2 + 12*N + 4, followed by values that do not fit in 4 bytes
	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := 8 + ifdSize

	// Pixel data starts after the value area; tile offsets and counts live
	// in that area too, so size it before assigning offsets
	var valueArea int
	for _, e := range entries {
		if len(e.data) > 4 {
			valueArea += len(e.data) + len(e.data)%2
		}
	}
	pixelsOffset := uint64(valueDataOffset + valueArea)
	if end := pixelsOffset + uint64(tiles)*uint64(tileBytes); end > math.MaxUint32 {
		return fmt.Errorf("%w: raster needs %d bytes, beyond the 4 GiB classic TIFF limit", common.ErrWriteFailed, end)
	}

	offsets := make([]uint32, tiles)
	counts := make([]uint32, tiles)
	for i := range offsets {
		offsets[i] = uint32(pixelsOffset) + uint32(i*tileBytes)
		counts[i] = uint32(tileBytes)
	}

	var largeDataBuf bytes.Buffer
	for i := range entries {
		e := &entries[i]
		switch e.tag {
		case TagType_TileOffsets:
			e.data = enc32s(offsets)
		case TagType_TileByteCounts:
			e.data = enc32s(counts)
		}
		if len(e.data) > 4 {
			// Values start on a word boundary
			currentOffset := uint32(valueDataOffset + largeDataBuf.Len())
			largeDataBuf.Write(e.data)
			if len(e.data)%2 == 1 {
				largeDataBuf.WriteByte(0)
			}
			e.data = enc32(currentOffset)
		}
	}

	if err := binary.Write(w, enc, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		var raw [12]byte
		enc.PutUint16(raw[0:], e.tag)
		enc.PutUint16(raw[2:], e.datatype)
		enc.PutUint32(raw[4:], e.count)
		copy(raw[8:], e.data) // values of up to 4 bytes are stored left-aligned
		if _, err := w.Write(raw[:]); err != nil {
			return err
		}
	}
	// Next IFD Offset (0)
	if err := binary.Write(w, enc, uint32(0)); err != nil {
		return err
	}
	if _, err := largeDataBuf.WriteTo(w); err != nil {
		return err
	}

	return writeTiles(w, r, ts, across, down)
}

// writeTiles streams every tile, band by band, row-major within a band.
// Edge tiles are padded with nodata.
func writeTiles(w io.Writer, r *Raster, ts, across, down int) error {
	tile := make([]byte, ts*ts*4)
	fill := math.Float32bits(float32(r.NoData))
	plane := r.Width * r.Height

	for band := 0; band < r.Bands; band++ {
		data := r.Data[band*plane : (band+1)*plane]
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				for y := 0; y < ts; y++ {
					row := ty*ts + y
					for x := 0; x < ts; x++ {
						col := tx*ts + x
						v := fill
						if row < r.Height && col < r.Width {
							v = math.Float32bits(data[row*r.Width+col])
						}
						enc.PutUint32(tile[(y*ts+x)*4:], v)
					}
				}
				if _, err := w.Write(tile); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WriteFile encodes r to path through a temporary file in the same
// directory, so an interrupted write never leaves a partial raster
func WriteFile(path string, r *Raster) error {
	if err := r.Validate(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", common.ErrWriteFailed, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrWriteFailed, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", common.ErrWriteFailed, path, err)
	}

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if err := Encode(bw, r, nil); err != nil {
		if errors.Is(err, common.ErrWriteFailed) {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", common.ErrWriteFailed, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", common.ErrWriteFailed, path, err)
	}
	return nil
}

// geoKeys builds the GeoKeyDirectory for an EPSG code
func geoKeys(epsg int) []uint16 {
	if epsg == epsgWGS84 {
		return []uint16{
			1, 1, 0, 3,
			geoKeyModelType, 0, 1, modelTypeGeographic,
			geoKeyRasterType, 0, 1, rasterPixelIsArea,
			geoKeyGeographicType, 0, 1, epsgWGS84,
		}
	}
	return []uint16{
		1, 1, 0, 4,
		geoKeyModelType, 0, 1, modelTypeProjected,
		geoKeyRasterType, 0, 1, rasterPixelIsArea,
		geoKeyProjectedCSType, 0, 1, uint16(epsg),
		geoKeyProjLinearUnits, 0, 1, linearUnitMetre,
	}
}

// formatNoData renders the nodata value the way GDAL stores it
func formatNoData(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// gdalMetadata names the bands in GDAL's metadata XML
func gdalMetadata(names []string) string {
	var b strings.Builder
	b.WriteString("<GDALMetadata>")
	for i, name := range names {
		fmt.Fprintf(&b, `<Item name="DESCRIPTION" sample="%d" role="description">%s</Item>`, i, xmlEscape(name))
	}
	b.WriteString("</GDALMetadata>")
	return b.String()
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;").Replace(s)
}

// Helpers

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func enc32s(vs []uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		enc.PutUint32(b[i*4:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
