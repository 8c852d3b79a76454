// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import "math"

// l2Norm returns the Euclidean length of v, accumulated in float64.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// cosineWithNorms scores a against b given precomputed norms. A zero
// magnitude on either side scores 0 rather than NaN.
func cosineWithNorms(a, b []float32, normA, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct(a, b) / (normA * normB)
}

// CosineSimilarity returns dot(a,b) / (|a|*|b|). Vectors must share a
// length; a zero vector scores 0.
func CosineSimilarity(a, b []float32) float64 {
	return cosineWithNorms(a, b, l2Norm(a), l2Norm(b))
}
