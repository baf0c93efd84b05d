package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
)

// Tagged value encoding used for message bodies.
//
// Every value starts with a one byte tag:
//
//	'n'                 nil
//	't' / 'f'           bool
//	'i' varint          int64 (zigzag varint)
//	'd' 8 bytes         float64, big-endian IEEE 754 bits
//	's' uvarint + bytes string
//	'b' uvarint + bytes []byte
//	'm' uvarint count   flat map, count × (uvarint + key bytes, scalar value)
//
// Map keys are written in sorted order so equal maps encode identically.
const (
	tagNil    byte = 'n'
	tagTrue   byte = 't'
	tagFalse  byte = 'f'
	tagInt    byte = 'i'
	tagFloat  byte = 'd'
	tagString byte = 's'
	tagBytes  byte = 'b'
	tagMap    byte = 'm'
)

var errShort = errors.New("codec: truncated value")

type valueWriter struct {
	buf []byte
}

func (w *valueWriter) int(v int64) {
	w.buf = append(w.buf, tagInt)
	w.buf = binary.AppendVarint(w.buf, v)
}

func (w *valueWriter) string(s string) {
	w.buf = append(w.buf, tagString)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *valueWriter) bytes(b []byte) {
	w.buf = append(w.buf, tagBytes)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *valueWriter) scalar(v any) error {
	switch x := v.(type) {
	case nil:
		w.buf = append(w.buf, tagNil)
	case bool:
		if x {
			w.buf = append(w.buf, tagTrue)
		} else {
			w.buf = append(w.buf, tagFalse)
		}
	case int64:
		w.int(x)
	case int:
		w.int(int64(x))
	case float64:
		w.buf = append(w.buf, tagFloat)
		w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(x))
	case string:
		w.string(x)
	case []byte:
		w.bytes(x)
	default:
		return fmt.Errorf("codec: unsupported value type %T", v)
	}
	return nil
}

func (w *valueWriter) dict(m map[string]any) error {
	w.buf = append(w.buf, tagMap)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(m)))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		w.buf = binary.AppendUvarint(w.buf, uint64(len(k)))
		w.buf = append(w.buf, k...)
		if err := w.scalar(m[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

type valueReader struct {
	data []byte
	off  int
}

func (r *valueReader) tag(want byte) error {
	if r.off >= len(r.data) {
		return errShort
	}
	got := r.data[r.off]
	if got != want {
		return fmt.Errorf("codec: expected tag %q, got %q at offset %d", want, got, r.off)
	}
	r.off++
	return nil
}

func (r *valueReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return 0, errShort
	}
	r.off += n
	return v, nil
}

func (r *valueReader) raw() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.data)-r.off) {
		return nil, errShort
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *valueReader) int() (int64, error) {
	if err := r.tag(tagInt); err != nil {
		return 0, err
	}
	v, n := binary.Varint(r.data[r.off:])
	if n <= 0 {
		return 0, errShort
	}
	r.off += n
	return v, nil
}

func (r *valueReader) string() (string, error) {
	if err := r.tag(tagString); err != nil {
		return "", err
	}
	b, err := r.raw()
	return string(b), err
}

func (r *valueReader) bytes() ([]byte, error) {
	if err := r.tag(tagBytes); err != nil {
		return nil, err
	}
	b, err := r.raw()
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return slices.Clone(b), nil
}

func (r *valueReader) scalar() (any, error) {
	if r.off >= len(r.data) {
		return nil, errShort
	}
	switch r.data[r.off] {
	case tagNil:
		r.off++
		return nil, nil
	case tagTrue:
		r.off++
		return true, nil
	case tagFalse:
		r.off++
		return false, nil
	case tagInt:
		return r.int()
	case tagFloat:
		r.off++
		if len(r.data)-r.off < 8 {
			return nil, errShort
		}
		v := math.Float64frombits(binary.BigEndian.Uint64(r.data[r.off:]))
		r.off += 8
		return v, nil
	case tagString:
		return r.string()
	case tagBytes:
		return r.bytes()
	}
	return nil, fmt.Errorf("codec: unexpected tag %q at offset %d", r.data[r.off], r.off)
}

// dict decodes a flat map. An empty map decodes as nil.
func (r *valueReader) dict() (map[string]any, error) {
	if err := r.tag(tagMap); err != nil {
		return nil, err
	}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.data)-r.off) {
		return nil, errShort
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]any, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.raw()
		if err != nil {
			return nil, err
		}
		v, err := r.scalar()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		m[string(k)] = v
	}
	return m, nil
}

func (r *valueReader) end() error {
	if r.off != len(r.data) {
		return fmt.Errorf("codec: %d trailing bytes", len(r.data)-r.off)
	}
	return nil
}
