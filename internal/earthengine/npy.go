package earthengine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"imagery-mosaic/internal/common"
)

var npyMagic = []byte("\x93NUMPY")

var (
	descrFieldRe = regexp.MustCompile(`\(\s*'([^']+)'\s*,\s*'([^']+)'\s*\)`)
	descrPlainRe = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
	shapeRe      = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
	fortranRe    = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
)

// npyField is one column of a structured array, or the single element type
// of a plain array
type npyField struct {
	name  string
	order binary.ByteOrder
	kind  byte // 'u', 'i' or 'f'
	size  int
}

func (f npyField) read(b []byte) float32 {
	switch f.kind {
	case 'f':
		if f.size == 4 {
			return math.Float32frombits(f.order.Uint32(b))
		}
		return float32(math.Float64frombits(f.order.Uint64(b)))
	case 'u':
		switch f.size {
		case 1:
			return float32(b[0])
		case 2:
			return float32(f.order.Uint16(b))
		case 4:
			return float32(f.order.Uint32(b))
		default:
			return float32(f.order.Uint64(b))
		}
	default:
		switch f.size {
		case 1:
			return float32(int8(b[0]))
		case 2:
			return float32(int16(f.order.Uint16(b)))
		case 4:
			return float32(int32(f.order.Uint32(b)))
		default:
			return float32(int64(f.order.Uint64(b)))
		}
	}
}

func parseDType(name, descr string) (npyField, error) {
	if len(descr) < 3 {
		return npyField{}, fmt.Errorf("unsupported dtype %q", descr)
	}
	f := npyField{name: name, kind: descr[1]}
	switch descr[0] {
	case '<', '|', '=':
		f.order = binary.LittleEndian
	case '>':
		f.order = binary.BigEndian
	default:
		return npyField{}, fmt.Errorf("unsupported byte order in dtype %q", descr)
	}
	size, err := strconv.Atoi(descr[2:])
	if err != nil {
		return npyField{}, fmt.Errorf("unsupported dtype %q", descr)
	}
	f.size = size

	valid := false
	switch f.kind {
	case 'f':
		valid = size == 4 || size == 8
	case 'u', 'i':
		valid = size == 1 || size == 2 || size == 4 || size == 8
	}
	if !valid {
		return npyField{}, fmt.Errorf("unsupported dtype %q", descr)
	}
	return f, nil
}

// DecodeNPY converts a NumPy .npy payload into a float32 patch. The pixel
// service returns a (height, width) structured array with one field per
// band; plain (height, width) and (height, width, bands) arrays are accepted
// too.
func DecodeNPY(data []byte) (*common.Patch, []string, error) {
	if len(data) < 10 || !bytes.HasPrefix(data, npyMagic) {
		return nil, nil, errors.New("not an NPY payload")
	}
	major := data[6]
	var headerLen, off int
	switch major {
	case 1:
		headerLen = int(binary.LittleEndian.Uint16(data[8:10]))
		off = 10
	case 2, 3:
		if len(data) < 12 {
			return nil, nil, errors.New("truncated NPY header")
		}
		headerLen = int(binary.LittleEndian.Uint32(data[8:12]))
		off = 12
	default:
		return nil, nil, fmt.Errorf("unsupported NPY version %d", major)
	}
	if len(data) < off+headerLen {
		return nil, nil, errors.New("truncated NPY header")
	}
	header := string(data[off : off+headerLen])
	body := data[off+headerLen:]

	if m := fortranRe.FindStringSubmatch(header); m != nil && m[1] == "True" {
		return nil, nil, errors.New("fortran-ordered NPY arrays are not supported")
	}

	shape, err := parseShape(header)
	if err != nil {
		return nil, nil, err
	}

	var fields []npyField
	if i := strings.Index(header, "'descr'"); i >= 0 && strings.HasPrefix(strings.TrimLeft(header[i+len("'descr'"):], " :"), "[") {
		for _, m := range descrFieldRe.FindAllStringSubmatch(header, -1) {
			f, err := parseDType(m[1], m[2])
			if err != nil {
				return nil, nil, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return nil, nil, errors.New("structured NPY dtype has no fields")
		}
		if len(shape) != 2 {
			return nil, nil, fmt.Errorf("structured NPY array has shape %v, expected (height, width)", shape)
		}
	} else {
		m := descrPlainRe.FindStringSubmatch(header)
		if m == nil {
			return nil, nil, errors.New("NPY header has no dtype")
		}
		f, err := parseDType("", m[1])
		if err != nil {
			return nil, nil, err
		}
		switch len(shape) {
		case 2:
			fields = []npyField{f}
		case 3:
			fields = make([]npyField, shape[2])
			for i := range fields {
				fields[i] = f
			}
			shape = shape[:2]
		default:
			return nil, nil, fmt.Errorf("NPY array has shape %v, expected 2 or 3 dimensions", shape)
		}
	}

	height, width := shape[0], shape[1]
	stride := 0
	for _, f := range fields {
		stride += f.size
	}
	if need := int64(height) * int64(width) * int64(stride); int64(len(body)) < need {
		return nil, nil, fmt.Errorf("NPY body holds %d bytes, expected %d", len(body), need)
	}

	patch := common.NewPatch(width, height, len(fields))
	pos := 0
	for i := 0; i < width*height; i++ {
		for b, f := range fields {
			patch.Data[i*len(fields)+b] = f.read(body[pos:])
			pos += f.size
		}
	}

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return patch, names, nil
}

// maxNPYDim bounds each array dimension; getPixels caps requests far below it
const maxNPYDim = 1 << 16

func parseShape(header string) ([]int, error) {
	m := shapeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, errors.New("NPY header has no shape")
	}
	var shape []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 || n > maxNPYDim {
			return nil, fmt.Errorf("invalid NPY shape %q", m[1])
		}
		shape = append(shape, n)
	}
	return shape, nil
}
