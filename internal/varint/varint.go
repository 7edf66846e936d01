// Package varint implements the significant-byte integer encoding used by trace records.
//
// Unlike LEB128 the encoding is not self-terminating: a compressed value is written as
// its s significant bytes only, and the caller tracks s (the trace buffer frames each
// value with a one byte size prefix). Values may also be written at full width.
package varint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"unsafe"
)

// MaxLen is the largest number of bytes a single value occupies.
const MaxLen = 8

var ErrTooLong = errors.New("varint: encoded value is wider than its type")

type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

type Signed interface {
	~int8 | ~int16 | ~int32 | ~int64
}

// Width returns the full width of T in bytes.
func Width[T Unsigned | Signed]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

// SizeUint returns the number of significant bytes of v. Zero has none.
func SizeUint(v uint64) int {
	return (bits.Len64(v) + 7) / 8
}

// SizeInt returns the smallest s such that truncating v to s bytes and sign-extending
// the result yields v again. Zero has no significant bytes.
func SizeInt(v int64) int {
	if v == 0 {
		return 0
	}
	for s := 1; s < MaxLen; s++ {
		shift := uint(64 - 8*s)
		if (v<<shift)>>shift == v {
			return s
		}
	}
	return MaxLen
}

// PutUint writes the significant bytes of v into b and returns their count.
// b must have room for Width[T]() bytes.
func PutUint[T Unsigned](b []byte, v T, order binary.ByteOrder) int {
	s := SizeUint(uint64(v))
	put(b, uint64(v), s, order)
	return s
}

// PutUintFull writes v at its full width and returns that width.
func PutUintFull[T Unsigned](b []byte, v T, order binary.ByteOrder) int {
	n := Width[T]()
	put(b, uint64(v), n, order)
	return n
}

// PutInt writes the significant bytes of v into b and returns their count.
func PutInt[T Signed](b []byte, v T, order binary.ByteOrder) int {
	s := SizeInt(int64(v))
	put(b, uint64(int64(v)), s, order)
	return s
}

// PutIntFull writes v at its full width and returns that width.
func PutIntFull[T Signed](b []byte, v T, order binary.ByteOrder) int {
	n := Width[T]()
	put(b, uint64(int64(v)), n, order)
	return n
}

// Uint decodes all bytes of b as a zero-extended value of type T.
func Uint[T Unsigned](b []byte, order binary.ByteOrder) (T, error) {
	if len(b) > Width[T]() {
		return 0, fmt.Errorf("%w: %d bytes for a %d byte type", ErrTooLong, len(b), Width[T]())
	}
	return T(get(b, order)), nil
}

// Int decodes all bytes of b as a sign-extended value of type T.
func Int[T Signed](b []byte, order binary.ByteOrder) (T, error) {
	n := len(b)
	if n > Width[T]() {
		return 0, fmt.Errorf("%w: %d bytes for a %d byte type", ErrTooLong, n, Width[T]())
	}
	if n == 0 {
		return 0, nil
	}
	shift := uint(64 - 8*n)
	return T(int64(get(b, order)<<shift) >> shift), nil
}

// put stores the low n bytes of v.
func put(b []byte, v uint64, n int, order binary.ByteOrder) {
	_ = b[:n] // Bounds check hint.
	if order == binary.BigEndian {
		for i := range n {
			b[i] = byte(v >> (8 * (n - 1 - i)))
		}
		return
	}
	for i := range n {
		b[i] = byte(v >> (8 * i))
	}
}

func get(b []byte, order binary.ByteOrder) uint64 {
	var v uint64
	if order == binary.BigEndian {
		for _, c := range b {
			v = v<<8 | uint64(c)
		}
		return v
	}
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
