package utils

import (
	"crypto/rand"
	"math/big"
)

const (
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	alnumChars = lowerChars + "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// RandomLower returns n random lowercase letters.
func RandomLower(n int) string { return randomFrom(lowerChars, n) }

// RandomAlnum returns n random letters and digits.
func RandomAlnum(n int) string { return randomFrom(alnumChars, n) }

// RandomInt returns a uniform int in [0, n).
func RandomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}

// RandomChoice picks one element of items.
func RandomChoice(items []string) string {
	return items[RandomInt(len(items))]
}

func randomFrom(chars string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[RandomInt(len(chars))]
	}
	return string(b)
}
