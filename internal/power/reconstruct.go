package power

// Reconstruct shifts a voltage series in time relative to its paired current
// series. Each output sample is extrapolated from the previous raw sample:
// phasecal > 1 advances the wave, phasecal < 1 retards it and 1 passes it
// through unchanged. The first sample cannot be corrected.
func Reconstruct(voltage []int, phasecal float64) []float64 {
	out := make([]float64, len(voltage))
	if len(voltage) == 0 {
		return out
	}
	out[0] = float64(voltage[0])
	for i := 1; i < len(voltage); i++ {
		prev := float64(voltage[i-1])
		out[i] = prev + phasecal*(float64(voltage[i])-prev)
	}
	return out
}
