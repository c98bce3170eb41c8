package modbus

// SmoothingWindow is the number of raw scale reads averaged per sample.
const SmoothingWindow = 5

// window is a fixed-size ring of the most recent readings. It starts
// zero-filled, so the first few means are pulled toward zero.
type window struct {
	values [SmoothingWindow]float64
	next   int
}

// push stores v, evicting the oldest value, and returns the mean.
func (w *window) push(v float64) float64 {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	return w.mean()
}

func (w *window) mean() float64 {
	var sum float64
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}
