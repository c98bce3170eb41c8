package gpio

import (
	"errors"
	"sync"
)

// Sample is one scripted reading.
type Sample struct {
	Left  bool
	Right bool
}

// FakeReader returns scripted samples; the last one repeats.
type FakeReader struct {
	mu      sync.Mutex
	samples []Sample
	index   int

	ReadError error
	Closed    bool
}

func NewFakeReader(samples ...Sample) *FakeReader {
	return &FakeReader{samples: samples}
}

func (f *FakeReader) Read() (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return false, false, f.ReadError
	}
	if len(f.samples) == 0 {
		return false, false, errors.New("no samples configured")
	}

	s := f.samples[f.index]
	if f.index < len(f.samples)-1 {
		f.index++
	}
	return s.Left, s.Right, nil
}

func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}
