package serial

import "errors"

var (
	// ErrAlreadyListening is returned by StartListening when the listener is
	// already running or starting.
	ErrAlreadyListening = errors.New("already listening")

	// ErrNotOpen is returned by StartListening when the transport reports
	// closed, and routed to the error handler when detected mid-run.
	ErrNotOpen = errors.New("serial port not open")

	// ErrNotListening is returned by operations that require a running listener.
	ErrNotListening = errors.New("not listening")

	// ErrMatchTimeout is returned by BlockingFilter.Wait and
	// BufferedFilter.WaitForCapacity when the deadline passes without enough
	// matches. It is a normal control-flow result, not a defect.
	ErrMatchTimeout = errors.New("timed out waiting for a match")

	// ErrPortClosed is returned by Port reads unblocked by Close.
	ErrPortClosed = errors.New("serial port closed")
)
