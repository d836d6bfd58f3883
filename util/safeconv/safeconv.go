package safeconv

import "math"

// IntSliceToUint32Slice converts a slice of int to uint32 with clamping to avoid overflow/underflow.
func IntSliceToUint32Slice(input []int) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		out[i] = IntToUint32(v)
	}
	return out
}

// IntToUint32 clamps v to the uint32 range.
func IntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	} else if uint64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
