// Package biometric turns face images into templates and compares them.
package biometric

import "math"

// Cosine returns the cosine similarity of a and b in [-1, 1]. Vectors of
// different length or zero norm never match and score -1.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return -1
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push parallel vectors a hair past 1.
	return math.Max(-1, math.Min(1, s))
}
