package noise

import (
	"fmt"

	godsp "github.com/mjibson/go-dsp/window"
)

// Window identifies the taper applied to each Welch segment.
type Window int

const (
	WindowHann Window = iota
	WindowHamming
	WindowBlackman
	WindowBartlett
	WindowFlatTop
	WindowRectangular
)

func (w Window) String() string {
	switch w {
	case WindowHann:
		return "hann"
	case WindowHamming:
		return "hamming"
	case WindowBlackman:
		return "blackman"
	case WindowBartlett:
		return "bartlett"
	case WindowFlatTop:
		return "flat-top"
	case WindowRectangular:
		return "rectangular"
	default:
		return fmt.Sprintf("window(%d)", int(w))
	}
}

// ParseWindow maps a window name (as used in preset files and CLI flags)
// onto its Window value.
func ParseWindow(name string) (Window, error) {
	for _, w := range []Window{
		WindowHann, WindowHamming, WindowBlackman,
		WindowBartlett, WindowFlatTop, WindowRectangular,
	} {
		if w.String() == name {
			return w, nil
		}
	}

	return 0, fmt.Errorf("noise: unknown window %q", name)
}

// Coefficients returns the taper coefficients for a segment of length n.
func (w Window) Coefficients(n int) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("noise: window length must be > 0: %d", n)
	}

	switch w {
	case WindowHann:
		return godsp.Hann(n), nil
	case WindowHamming:
		return godsp.Hamming(n), nil
	case WindowBlackman:
		return godsp.Blackman(n), nil
	case WindowBartlett:
		return godsp.Bartlett(n), nil
	case WindowFlatTop:
		return godsp.FlatTop(n), nil
	case WindowRectangular:
		return godsp.Rectangular(n), nil
	default:
		return nil, fmt.Errorf("noise: unknown window %d", int(w))
	}
}
