package onion

import "fmt"

// Window is a flow-control credit counter. Receive windows trigger a SENDME
// when they fall below the low-water mark; send windows gate transmission
// and are replenished by SENDMEs from the peer.
type Window struct {
	value     int
	ceiling   int
	increment int
	lowWater  int
}

// NewWindow returns a window starting full at ceiling.
func NewWindow(ceiling, increment, lowWater int) *Window {
	return &Window{
		value:     ceiling,
		ceiling:   ceiling,
		increment: increment,
		lowWater:  lowWater,
	}
}

func newWindowFrom(cfg WindowConfig) *Window {
	return NewWindow(cfg.Ceiling, cfg.Increment, cfg.LowWater)
}

// Value returns the remaining credit.
func (w *Window) Value() int { return w.value }

// Ceiling returns the maximum credit.
func (w *Window) Ceiling() int { return w.ceiling }

// Increment returns the credit added by one SENDME.
func (w *Window) Increment() int { return w.increment }

// LowWater returns the receive threshold below which a SENDME is emitted.
func (w *Window) LowWater() int { return w.lowWater }

// consumeReceive charges one received DATA cell. The value is decremented
// first; if it is then strictly below the low-water mark, sendme is true and
// the increment has already been added back (bounded by the ceiling).
func (w *Window) consumeReceive() (sendme bool, err error) {
	if w.value <= 0 {
		return false, fmt.Errorf("%w: receive window exhausted", ErrFlowControl)
	}
	w.value--
	if w.value < w.lowWater {
		w.value = min(w.value+w.increment, w.ceiling)
		return true, nil
	}
	return false, nil
}

// canSend reports whether the window has credit.
func (w *Window) canSend() bool { return w.value > 0 }

// consumeSend charges one sent DATA cell. It returns false, leaving the
// window unchanged, when there is no credit.
func (w *Window) consumeSend() bool {
	if w.value <= 0 {
		return false
	}
	w.value--
	return true
}

// replenishSend applies a SENDME from the peer. A SENDME that would push the
// window above its ceiling is a protocol violation and is not applied.
func (w *Window) replenishSend() error {
	if w.value+w.increment > w.ceiling {
		return fmt.Errorf("%w: SENDME would raise window %d above ceiling %d", ErrFlowControl, w.value, w.ceiling)
	}
	w.value += w.increment
	return nil
}
