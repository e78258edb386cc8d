package aggregate

// RollingWindow is a fixed-capacity FIFO of recent values with a simple
// moving average. It is not safe for concurrent use; the sampling loop owns it.
type RollingWindow struct {
	values []float64
	head   int
	size   int
}

// NewRollingWindow returns a window holding at most capacity values.
// Capacities below 1 are raised to 1.
func NewRollingWindow(capacity int) *RollingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingWindow{values: make([]float64, capacity)}
}

// Push adds v, evicting the oldest value when full, and returns the new mean.
func (w *RollingWindow) Push(v float64) float64 {
	w.values[w.head] = v
	w.head = (w.head + 1) % len(w.values)
	if w.size < len(w.values) {
		w.size++
	}
	return w.Mean()
}

// Mean is the arithmetic mean of the held values, or 0 when empty.
func (w *RollingWindow) Mean() float64 {
	if w.size == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.Values() {
		sum += v
	}
	return sum / float64(w.size)
}

func (w *RollingWindow) Len() int { return w.size }
func (w *RollingWindow) Capacity() int { return len(w.values) }

// Values returns the held values, oldest first.
func (w *RollingWindow) Values() []float64 {
	out := make([]float64, w.size)
	start := (w.head - w.size + len(w.values)) % len(w.values)
	for i := range out {
		out[i] = w.values[(start+i)%len(w.values)]
	}
	return out
}
