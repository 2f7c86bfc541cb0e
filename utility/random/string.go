package random

import (
	"math/rand/v2"
)

const (
	lowerLetters = "abcdefghijklmnopqrstuvwxyz"
	letters      = lowerLetters + "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// String returns a random lowercase string
func String(length int) string {
	return stringFrom(rand.IntN, lowerLetters, length)
}

// AlphaNumeric draws from r so that a seeded source generates the same sequence
func AlphaNumeric(r *rand.Rand, length int) string {
	return stringFrom(r.IntN, letters, length)
}

func stringFrom(intn func(int) int, charset string, length int) string {
	if length <= 0 {
		return ""
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = charset[intn(len(charset))]
	}
	return string(buf)
}
