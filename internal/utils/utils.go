package utils

import (
	"unsafe"
)

// S2B converts a string to a byte slice without a copy.
// The result must not be mutated.
func S2B(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// B2S converts a byte slice to a string without a copy.
func B2S(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

func Ternary[T any](b bool, isTrue T, isFalse T) T {
	if b {
		return isTrue
	}

	return isFalse
}

type Key string
