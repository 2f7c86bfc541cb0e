package random

import (
	"math/rand/v2"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	s := String(16)
	if len(s) != 16 {
		t.Fatal("unexpected length:", s)
	}
	if strings.Trim(s, lowerLetters) != "" {
		t.Fatal("unexpected characters:", s)
	}
	if String(0) != "" || String(-1) != "" {
		t.Fatal("non-positive length should give empty string")
	}
}

func TestAlphaNumericSeeded(t *testing.T) {
	a := AlphaNumeric(rand.New(rand.NewPCG(2024, 1003)), 32)
	b := AlphaNumeric(rand.New(rand.NewPCG(2024, 1003)), 32)
	if a != b {
		t.Fatal("same seed should generate the same string:", a, b)
	}
	if strings.Trim(a, letters) != "" {
		t.Fatal("unexpected characters:", a)
	}
}
