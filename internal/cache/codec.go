package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"imagery-mosaic/internal/common"
)

// patchMagic opens every cache file
var patchMagic = [4]byte{'M', 'P', 'C', '1'}

// encodePatch serializes a patch with the key it was cached under
// Layout (little-endian): magic, keyLen u32, key, width u32, height u32,
// bands u32, float32 samples
func encodePatch(key string, p *common.Patch) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 20+len(key)+4*len(p.Data)))
	buf.Write(patchMagic[:])
	le := binary.LittleEndian
	var word [4]byte
	put := func(v uint32) {
		le.PutUint32(word[:], v)
		buf.Write(word[:])
	}
	put(uint32(len(key)))
	buf.WriteString(key)
	put(uint32(p.Width))
	put(uint32(p.Height))
	put(uint32(p.Bands))
	for _, v := range p.Data {
		put(math.Float32bits(v))
	}
	return buf.Bytes()
}

// decodePatch parses a cache file, returning the stored key and patch
func decodePatch(data []byte) (string, *common.Patch, error) {
	if len(data) < 8 || !bytes.Equal(data[:4], patchMagic[:]) {
		return "", nil, errors.New("not a patch cache file")
	}
	le := binary.LittleEndian
	keyLen := int(le.Uint32(data[4:8]))
	off := 8 + keyLen
	if len(data) < off+12 {
		return "", nil, errors.New("truncated patch header")
	}
	key := string(data[8:off])
	w := int(le.Uint32(data[off:]))
	h := int(le.Uint32(data[off+4:]))
	b := int(le.Uint32(data[off+8:]))
	off += 12

	n := w * h * b
	if w <= 0 || h <= 0 || b <= 0 || len(data)-off != 4*n {
		return "", nil, fmt.Errorf("patch body holds %d bytes, header says %dx%dx%d", len(data)-off, w, h, b)
	}
	p := common.NewPatch(w, h, b)
	for i := range p.Data {
		p.Data[i] = math.Float32frombits(le.Uint32(data[off+4*i:]))
	}
	return key, p, nil
}
