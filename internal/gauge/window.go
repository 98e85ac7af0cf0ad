package gauge

import "math/big"

// WindowSize is the number of samples averaged per entity.
const WindowSize = 5

// window is a bounded FIFO of samples with a running sum kept in step with
// every insert and eviction. Samples and sum are exact rationals, so the sum
// always equals the window contents no matter how many samples have passed.
type window struct {
	samples []*big.Rat
	sum     big.Rat
}

// add inserts v, evicts the oldest sample once the window is over capacity,
// and returns the mean of what remains. The window takes ownership of v.
func (w *window) add(v *big.Rat) float64 {
	w.sum.Add(&w.sum, v)
	w.samples = append(w.samples, v)
	if len(w.samples) > WindowSize {
		w.sum.Sub(&w.sum, w.samples[0])
		n := copy(w.samples, w.samples[1:])
		w.samples[n] = nil
		w.samples = w.samples[:n]
	}

	var mean big.Rat
	mean.SetInt64(int64(len(w.samples)))
	mean.Quo(&w.sum, &mean)
	f, _ := mean.Float64()
	return f
}

// snapshot copies the samples and the sum.
func (w *window) snapshot() ([]*big.Rat, *big.Rat) {
	samples := make([]*big.Rat, len(w.samples))
	for i, s := range w.samples {
		samples[i] = new(big.Rat).Set(s)
	}
	return samples, new(big.Rat).Set(&w.sum)
}
