// Package abi holds wire encodings shared by the guest ABI binding and the
// host implementation.
package abi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPairs is returned when a serialized header map cannot be parsed.
var ErrMalformedPairs = errors.New("malformed header pairs")

// SerializePairs encodes a header map the way proxy-wasm passes it across the
// sandbox boundary:
//
//	u32 count
//	count * (u32 key_len, u32 value_len)
//	count * (key NUL value NUL)
//
// All integers are little-endian.
func SerializePairs(pairs [][2]string) []byte {
	size := 4
	for _, p := range pairs {
		size += 8 + len(p[0]) + 1 + len(p[1]) + 1
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(pairs)))
	off := 4
	for _, p := range pairs {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(p[0])))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(p[1])))
		off += 8
	}
	for _, p := range pairs {
		off += copy(buf[off:], p[0])
		buf[off] = 0
		off++
		off += copy(buf[off:], p[1])
		buf[off] = 0
		off++
	}
	return buf
}

// DeserializePairs decodes the output of SerializePairs. Empty input is an
// empty map.
func DeserializePairs(buf []byte) ([][2]string, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: short header", ErrMalformedPairs)
	}
	n := int(binary.LittleEndian.Uint32(buf))
	sizes := 4
	if n > (len(buf)-sizes)/8 {
		return nil, fmt.Errorf("%w: count %d exceeds buffer", ErrMalformedPairs, n)
	}
	data := sizes + n*8
	pairs := make([][2]string, 0, n)
	for i := 0; i < n; i++ {
		kl := int(binary.LittleEndian.Uint32(buf[sizes+i*8:]))
		vl := int(binary.LittleEndian.Uint32(buf[sizes+i*8+4:]))
		if kl < 0 || vl < 0 || data+kl+1+vl+1 > len(buf) {
			return nil, fmt.Errorf("%w: pair %d overruns buffer", ErrMalformedPairs, i)
		}
		key := string(buf[data : data+kl])
		data += kl + 1
		value := string(buf[data : data+vl])
		data += vl + 1
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, nil
}
