//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the buttons from the GPIO character device.
type RealReader struct {
	chip  *gpiocdev.Chip
	left  *gpiocdev.Line
	right *gpiocdev.Line
}

// NewRealReader requests both lines as inputs with pull-up. activeLow
// inverts the raw level so a button to ground reads as pressed.
func NewRealReader(chipName string, leftLine, rightLine int, activeLow bool) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullUp}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	left, err := chip.RequestLine(leftLine, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request left button line %d: %w", leftLine, err)
	}

	right, err := chip.RequestLine(rightLine, opts...)
	if err != nil {
		left.Close()
		chip.Close()
		return nil, fmt.Errorf("request right button line %d: %w", rightLine, err)
	}

	return &RealReader{chip: chip, left: left, right: right}, nil
}

func (r *RealReader) Read() (bool, bool, error) {
	l, err := r.left.Value()
	if err != nil {
		return false, false, fmt.Errorf("read left button: %w", err)
	}
	rv, err := r.right.Value()
	if err != nil {
		return false, false, fmt.Errorf("read right button: %w", err)
	}
	return l == 1, rv == 1, nil
}

// Close releases the lines and the chip.
func (r *RealReader) Close() error {
	var errs []error
	for _, l := range []*gpiocdev.Line{r.left, r.right} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}
