package phase

// WindowRadius is the number of samples examined on each side of a coarse
// peak. Empirical value from the stock acquisition board.
const WindowRadius = 10

// FindCenter refines a coarse peak index to the center of the flattest part
// of the wave around it. Quantization makes the literal maximum unreliable;
// the true peak sits where the slope magnitude is smallest and symmetric.
//
// For each slope magnitude from 1 to WindowRadius, the first and last window
// positions with that magnitude bracket the peak and the midpoint is used.
// When only one position matches, the position of the smallest slope in the
// window is used instead. If no magnitude matches, idx is returned unchanged.
func FindCenter(wave []int, idx int) int {
	n := len(wave)
	if idx < 0 || idx >= n {
		return idx
	}

	start := 0
	if idx > WindowRadius {
		start = idx - WindowRadius
	}
	stop := idx + WindowRadius
	if stop >= n {
		stop = n - 1
	}
	if stop <= start {
		return idx
	}

	slopes := make([]int, stop-start)
	for k := range slopes {
		slopes[k] = abs(wave[start+k+1] - wave[start+k])
	}

	for s := 1; s <= WindowRadius; s++ {
		fwd, bwd := -1, -1
		for k, m := range slopes {
			if m != s {
				continue
			}
			if fwd < 0 {
				fwd = k
			}
			bwd = k
		}
		if fwd < 0 {
			continue
		}
		if fwd != bwd {
			return start + fwd + 1 + (bwd-fwd)/2
		}
		return start + argmin(slopes) + 1
	}
	return idx
}

func argmin(v []int) int {
	best := 0
	for i, x := range v {
		if x < v[best] {
			best = i
		}
	}
	return best
}

func argmax(v []int) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
